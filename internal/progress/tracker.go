// Package progress computes per-task progress and distributes ProgressEvents
// on a shared stream.
package progress

import (
	"sync"
	"time"

	"doc2long/internal/models"
)

// estimateCeiling keeps time-based estimates below the end of their step.
const estimateCeiling = 0.95

// Tracker turns step and page updates of one processing attempt into
// ProgressEvents. Percent never decreases over the tracker's lifetime.
type Tracker struct {
	mu          sync.Mutex
	taskID      string
	started     time.Time
	emit        func(models.ProgressEvent)
	now         func() time.Time
	percent     float64
	step        models.Step
	stepStarted time.Time
}

// NewTracker creates a tracker for a task whose processing began at started.
func NewTracker(taskID string, started time.Time, emit func(models.ProgressEvent)) *Tracker {
	return &Tracker{
		taskID:      taskID,
		started:     started,
		emit:        emit,
		now:         time.Now,
		stepStarted: started,
	}
}

// Percent returns the last reported overall percentage.
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// Enter reports the start of step.
func (t *Tracker) Enter(step models.Step) {
	t.mu.Lock()
	if step != t.step {
		t.step = step
		t.stepStarted = t.now()
	}
	t.mu.Unlock()

	t.Fraction(step, 0)
}

// Fraction reports that step is frac (0..1) done.
func (t *Tracker) Fraction(step models.Step, frac float64) {
	t.report(step, frac, 0, 0, "")
}

// Pages reports page-level progress inside step.
func (t *Tracker) Pages(step models.Step, current, total int) {
	if total <= 0 {
		t.Fraction(step, 0)
		return
	}
	t.report(step, float64(current)/float64(total), current, total, "")
}

// Estimate approximates progress of a step whose tool offers no progress
// signal, assuming it takes at most `assumed`. Every `interval` it reports
// elapsed/assumed of the step, capped below the step's end. The value is a
// guess, not a measurement. The returned func stops the estimator and blocks
// until its goroutine has exited.
func (t *Tracker) Estimate(step models.Step, assumed, interval time.Duration) (stop func()) {
	if assumed <= 0 || interval <= 0 {
		return func() {}
	}

	begin := t.now()
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				frac := float64(t.now().Sub(begin)) / float64(assumed)
				if frac > estimateCeiling {
					frac = estimateCeiling
				}
				t.report(step, frac, 0, 0, "estimated")
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

func (t *Tracker) report(step models.Step, frac float64, current, total int, msg string) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	lo, hi := step.Span()
	pct := lo + (hi-lo)*frac

	t.mu.Lock()
	if pct < t.percent {
		pct = t.percent
	}
	t.percent = pct
	now := t.now()
	elapsed := now.Sub(t.started)

	ev := models.ProgressEvent{
		TaskID:      t.taskID,
		Step:        step,
		Percent:     pct,
		CurrentPage: current,
		TotalPages:  total,
		Elapsed:     elapsed,
		Message:     msg,
		Time:        now,
	}
	ev.EstimatedRemaining = t.remainingLocked(now, pct, current, total)

	// emitted under the lock so events of one task leave in percent order
	if t.emit != nil {
		t.emit(ev)
	}
	t.mu.Unlock()
}

// remainingLocked uses the page rate of the current step when page counts are
// known, otherwise extrapolates from overall percent.
func (t *Tracker) remainingLocked(now time.Time, pct float64, current, total int) time.Duration {
	if total > 0 && current > 0 {
		inStep := now.Sub(t.stepStarted)
		if inStep <= 0 {
			return 0
		}
		perPage := inStep / time.Duration(current)
		return perPage * time.Duration(total-current)
	}
	if pct <= 0 || pct >= 100 {
		return 0
	}
	elapsed := now.Sub(t.started)
	return time.Duration(float64(elapsed) * (100 - pct) / pct)
}
