// Package converter defines the conversion collaborators driven by workers and
// ships the default local implementation built on poppler, LibreOffice,
// headless Chrome and imaging.
package converter

import (
	"context"
	"image"

	"doc2long/internal/models"
)

// SourceKind says how a source reaches the native (PDF) format.
type SourceKind int

const (
	// SourceNative sources are rendered directly.
	SourceNative SourceKind = iota
	// SourceIntermediate sources are first converted to PDF.
	SourceIntermediate
)

// Detection is the result of inspecting a source.
type Detection struct {
	Kind      SourceKind
	Extension string
	Size      int64
}

// Document is a loaded native document.
type Document struct {
	Path      string
	Pages     int
	Encrypted bool
}

// PageHint receives page-level progress (current of total).
type PageHint func(current, total int)

// Converter performs the rasterization side of a conversion. Each method is one
// pipeline step; none is interrupted once started.
type Converter interface {
	Detect(ctx context.Context, sourceRef string) (Detection, error)
	Load(ctx context.Context, ref string) (*Document, error)
	Render(ctx context.Context, doc *Document, params models.Params, hint PageHint) ([]image.Image, error)
	Merge(ctx context.Context, pages []image.Image, hint PageHint) (image.Image, error)
	Save(ctx context.Context, img image.Image, params models.Params, name string) (string, error)
}

// IntermediateConverter turns a non-native source into a PDF inside outDir and
// returns its path. The call may take arbitrarily long.
type IntermediateConverter interface {
	ToIntermediate(ctx context.Context, sourceRef, outDir string) (string, error)
}
