// Package worker drives one processing attempt of one task through the
// conversion pipeline, observing pause and cancel between steps.
package worker

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"doc2long/internal/control"
	"doc2long/internal/converter"
	"doc2long/internal/models"
	"doc2long/internal/progress"
)

// Job is one attempt handed to a worker.
type Job struct {
	Worker  int
	Task    models.Task
	Signals *control.Signals
	Tracker *progress.Tracker
}

// Result is how an attempt ended. Exactly one of OutputRef, Err and
// Cancelled is set.
type Result struct {
	OutputRef string
	Err       error
	Cancelled bool
}

// Options configures a Pipeline.
type Options struct {
	Converter    converter.Converter
	Intermediate converter.IntermediateConverter
	Params       models.Params
	// WorkDir holds per-task intermediate files.
	WorkDir string
	// AssumedConversion is the duration the intermediate step is assumed to
	// take when estimating its progress.
	AssumedConversion time.Duration
	EstimateInterval  time.Duration
	Logger            zerolog.Logger
}

// Pipeline runs Detect, ToIntermediate (non-native sources only), Load,
// Render, Merge and Save in order. Each step is one uninterruptible call
// into the converter; checkpoints sit between them.
type Pipeline struct {
	opts Options
	log  zerolog.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "doc2long")
	}
	if opts.EstimateInterval <= 0 {
		opts.EstimateInterval = 500 * time.Millisecond
	}
	return &Pipeline{
		opts: opts,
		log:  opts.Logger.With().Str("component", "worker").Logger(),
	}
}

// Run executes the pipeline for job. ctx only governs checkpoint waits;
// converter calls run detached from it.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	task := job.Task
	log := p.log.With().Int("worker", job.Worker).Str("task", task.ID).Logger()
	tr := job.Tracker
	callCtx := context.WithoutCancel(ctx)

	checkpoint := func(step models.Step) bool {
		if err := job.Signals.Checkpoint(ctx); err != nil {
			log.Info().Str("step", string(step)).Float64("progress", tr.Percent()).Msg("stopped at checkpoint")
			return false
		}
		tr.Enter(step)
		log.Debug().Str("step", string(step)).Msg("step started")
		return true
	}
	fail := func(err error, step models.Step) Result {
		err = converter.AtStep(err, step)
		log.Warn().Err(err).Str("step", string(step)).Msg("step failed")
		return Result{Err: err}
	}
	cancelled := Result{Cancelled: true}

	if !checkpoint(models.StepDetecting) {
		return cancelled
	}
	det, err := p.opts.Converter.Detect(callCtx, task.SourceRef)
	if err != nil {
		return fail(err, models.StepDetecting)
	}

	ref := task.SourceRef
	var scratch string
	if det.Kind == converter.SourceIntermediate {
		if !checkpoint(models.StepConvertingToIntermediate) {
			return cancelled
		}
		if p.opts.Intermediate == nil {
			return fail(converter.NewError(converter.KindExternalToolMissing, models.StepConvertingToIntermediate,
				"no intermediate converter configured for %s", det.Extension), models.StepConvertingToIntermediate)
		}

		scratch = filepath.Join(p.opts.WorkDir, task.ID)
		defer removeScratch(scratch, log)

		stop := tr.Estimate(models.StepConvertingToIntermediate, p.opts.AssumedConversion, p.opts.EstimateInterval)
		ref, err = p.opts.Intermediate.ToIntermediate(callCtx, task.SourceRef, scratch)
		stop()
		if err != nil {
			return fail(err, models.StepConvertingToIntermediate)
		}
		tr.Fraction(models.StepConvertingToIntermediate, 1)
	}

	if !checkpoint(models.StepLoadingDocument) {
		return cancelled
	}
	doc, err := p.opts.Converter.Load(callCtx, ref)
	if err != nil {
		return fail(err, models.StepLoadingDocument)
	}

	if !checkpoint(models.StepRenderingPages) {
		return cancelled
	}
	pages, err := p.opts.Converter.Render(callCtx, doc, p.opts.Params, func(cur, total int) {
		tr.Pages(models.StepRenderingPages, cur, total)
	})
	if err != nil {
		return fail(err, models.StepRenderingPages)
	}
	if len(pages) == 0 {
		return fail(converter.NewError(converter.KindConversionEmpty, models.StepRenderingPages, "no pages rendered"), models.StepRenderingPages)
	}
	if scratch != "" {
		removeScratch(scratch, log)
	}

	if !checkpoint(models.StepMergingImages) {
		return cancelled
	}
	merged, err := p.opts.Converter.Merge(callCtx, pages, func(cur, total int) {
		tr.Pages(models.StepMergingImages, cur, total)
	})
	if err != nil {
		return fail(err, models.StepMergingImages)
	}

	if !checkpoint(models.StepSavingOutput) {
		return cancelled
	}
	out, err := p.save(callCtx, merged, task.SourceRef)
	if err != nil {
		return fail(err, models.StepSavingOutput)
	}
	tr.Fraction(models.StepSavingOutput, 1)

	log.Info().Str("output", out).Msg("conversion finished")
	return Result{OutputRef: out}
}

func (p *Pipeline) save(ctx context.Context, img image.Image, sourceRef string) (string, error) {
	if img == nil {
		return "", converter.NewError(converter.KindMergeOrEncodeFailed, models.StepSavingOutput, "no merged image")
	}
	base := strings.TrimSuffix(filepath.Base(sourceRef), filepath.Ext(sourceRef))
	return p.opts.Converter.Save(ctx, img, p.opts.Params, base)
}

// Discard removes an artifact produced by an attempt that did not complete,
// if the converter supports it.
func (p *Pipeline) Discard(ctx context.Context, ref string) error {
	d, ok := p.opts.Converter.(interface {
		Discard(ctx context.Context, ref string) error
	})
	if !ok || ref == "" {
		return nil
	}
	return d.Discard(ctx, ref)
}

func removeScratch(dir string, log zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to remove intermediate files")
	}
}
