package converter

import (
	"errors"
	"fmt"

	"doc2long/internal/models"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindUnsupportedFormat   ErrorKind = "unsupported_format"
	KindExternalToolMissing ErrorKind = "external_tool_missing"
	KindExternalToolFailed  ErrorKind = "external_tool_failed"
	KindConversionEmpty     ErrorKind = "conversion_empty"
	KindMergeOrEncodeFailed ErrorKind = "merge_or_encode_failed"
	KindSourceRejected      ErrorKind = "source_rejected"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnsupportedFormat   = &Error{Kind: KindUnsupportedFormat}
	ErrExternalToolMissing = &Error{Kind: KindExternalToolMissing}
	ErrExternalToolFailed  = &Error{Kind: KindExternalToolFailed}
	ErrConversionEmpty     = &Error{Kind: KindConversionEmpty}
	ErrMergeOrEncodeFailed = &Error{Kind: KindMergeOrEncodeFailed}
	ErrSourceRejected      = &Error{Kind: KindSourceRejected}
)

// Error is a conversion failure tagged with the step it happened in.
type Error struct {
	Kind ErrorKind
	Step models.Step
	Err  error
}

// NewError builds an *Error; format and args describe the cause.
func NewError(kind ErrorKind, step models.Step, format string, args ...any) *Error {
	return &Error{Kind: kind, Step: step, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return string(e.Kind)
	case e.Step == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s during %s: %v", e.Kind, e.Step, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// AtStep returns err tagged with step. An *Error that already carries a step
// keeps it; other errors are returned unchanged apart from the tag.
func AtStep(err error, step models.Step) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Step == "" {
			tagged := *ce
			tagged.Step = step
			return &tagged
		}
		return err
	}
	return &stepError{step: step, err: err}
}

// StepOf returns the step an error was tagged with, if any.
func StepOf(err error) (models.Step, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.Step != "" {
		return ce.Step, true
	}
	var se *stepError
	if errors.As(err, &se) {
		return se.step, true
	}
	return "", false
}

// KindOf returns the kind of a conversion error, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

type stepError struct {
	step models.Step
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("during %s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }
