package models

import "time"

// TaskStatus represents the current status of a conversion task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusPaused     TaskStatus = "paused"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Finished reports whether the status ends a processing attempt.
// Failed counts as finished even though Retry can bring it back.
func (s TaskStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is a stage of the conversion pipeline
type Step string

const (
	StepDetecting                Step = "detecting"
	StepConvertingToIntermediate Step = "converting_to_intermediate"
	StepLoadingDocument          Step = "loading_document"
	StepRenderingPages           Step = "rendering_pages"
	StepMergingImages            Step = "merging_images"
	StepSavingOutput             Step = "saving_output"
	StepCompleted                Step = "completed"
)

// Span returns the share of overall progress a step covers, in percent.
func (s Step) Span() (lo, hi float64) {
	switch s {
	case StepDetecting:
		return 0, 10
	case StepConvertingToIntermediate:
		return 10, 30
	case StepLoadingDocument:
		return 30, 40
	case StepRenderingPages:
		return 40, 70
	case StepMergingImages:
		return 70, 90
	case StepSavingOutput:
		return 90, 100
	case StepCompleted:
		return 100, 100
	}
	return 0, 0
}

// OutputFormat is the encoding of the composite image
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
)

// Extension returns the file extension used for the format.
func (f OutputFormat) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// Params are passed through to the converter unchanged
type Params struct {
	Resolution int          `json:"resolution"` // DPI
	Format     OutputFormat `json:"format"`
	Quality    int          `json:"quality"` // JPEG only
}

// ErrorDetail describes why a task failed
type ErrorDetail struct {
	Summary       string `json:"summary"`
	Kind          string `json:"kind,omitempty"`
	Step          Step   `json:"step,omitempty"`
	DiagnosticRef string `json:"diagnostic_ref,omitempty"`
}

// Task is a snapshot of one file's conversion job
type Task struct {
	ID                string       `json:"id"`
	SourceRef         string       `json:"source_ref"`
	Status            TaskStatus   `json:"status"`
	Progress          float64      `json:"progress"`
	Step              Step         `json:"step,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	OutputRef         string       `json:"output_ref,omitempty"`
	Error             *ErrorDetail `json:"error,omitempty"`
	LastDiagnosticRef string       `json:"last_diagnostic_ref,omitempty"`
	Attempts          int          `json:"attempts"`
	SubmittedAt       time.Time    `json:"submitted_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t Task) Clone() Task {
	c := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	if t.Error != nil {
		v := *t.Error
		c.Error = &v
	}
	return c
}

// Elapsed is the wall-clock processing time, paused intervals included.
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.EndedAt != nil {
		return t.EndedAt.Sub(*t.StartedAt)
	}
	return now.Sub(*t.StartedAt)
}

// ProgressEvent is published on the shared event stream
type ProgressEvent struct {
	TaskID             string        `json:"task_id"`
	Status             TaskStatus    `json:"status"`
	Step               Step          `json:"step,omitempty"`
	Percent            float64       `json:"percent"`
	CurrentPage        int           `json:"current_page,omitempty"`
	TotalPages         int           `json:"total_pages,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining,omitempty"`
	Message            string        `json:"message,omitempty"`
	Time               time.Time     `json:"time"`
}

// Stats tracks overall scheduler statistics
type Stats struct {
	Pending    int
	Processing int
	Paused     int
	Completed  int
	Failed     int
	Cancelled  int
	Capacity   int
	InFlight   int
	Queued     int
}
