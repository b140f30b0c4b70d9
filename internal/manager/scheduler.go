// Package manager schedules conversion tasks onto a bounded, resizable pool
// of workers and exposes the control API used by clients.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"doc2long/internal/control"
	"doc2long/internal/converter"
	"doc2long/internal/models"
	"doc2long/internal/progress"
	"doc2long/internal/registry"
	"doc2long/internal/worker"
)

// Reporter is the diagnostics collaborator: it records a failure snapshot
// and returns a reference to it.
type Reporter interface {
	Capture(task models.Task, err error) (string, error)
}

// Runner executes one processing attempt.
type Runner interface {
	Run(ctx context.Context, job worker.Job) worker.Result
}

// Options configures a Scheduler.
type Options struct {
	Workers          int
	Reporter         Reporter
	SubscriberBuffer int
	Logger           zerolog.Logger
}

// Scheduler owns the pool. Start queues Pending tasks; a task is claimed
// (Pending -> Processing) when a slot is free. Paused tasks keep their slot.
type Scheduler struct {
	reg      *registry.Registry
	runner   Runner
	reporter Reporter
	events   *progress.Broadcaster
	log      zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ctl serializes Pause, resume and Cancel so a gate and its status
	// always change together.
	ctl sync.Mutex

	// mu guards the pool state below. Lock order: mu before registry.
	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	capacity int
	inFlight int
	nextSlot int
	idle     chan struct{}
	closed   bool
}

// New creates a scheduler over reg.
func New(reg *registry.Registry, runner Runner, opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		reg:      reg,
		runner:   runner,
		reporter: opts.Reporter,
		events:   progress.NewBroadcaster(opts.SubscriberBuffer, opts.Logger),
		log:      opts.Logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		queued:   make(map[string]bool),
		capacity: opts.Workers,
		idle:     idle,
	}
}

// Submit registers sourceRef as a Pending task. A duplicate of a live task
// returns the existing id with models.ErrDuplicateSource.
func (s *Scheduler) Submit(sourceRef string) (string, error) {
	id, err := s.reg.Submit(sourceRef)
	if err != nil {
		return id, err
	}
	s.log.Debug().Str("task", id).Str("source", sourceRef).Msg("task submitted")
	return id, nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (models.Task, error) { return s.reg.Get(id) }

// List returns snapshots of all tasks in submission order.
func (s *Scheduler) List() []models.Task { return s.reg.List() }

// Subscribe returns a new subscription to the progress event stream.
func (s *Scheduler) Subscribe() *progress.Subscription { return s.events.Subscribe() }

// Start queues a Pending task or resumes a Paused one. Starting a task that
// is already queued or Processing is a no-op.
func (s *Scheduler) Start(id string) error {
	task, err := s.reg.Get(id)
	if err != nil {
		return err
	}

	switch task.Status {
	case models.StatusPending:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return models.ErrSchedulerClosed
		}
		s.enqueueLocked(id)
		s.dispatchLocked()
		return nil
	case models.StatusPaused:
		return s.resume(id)
	case models.StatusProcessing:
		return nil
	default:
		return fmt.Errorf("task %s: %w: cannot start a %s task", id, models.ErrInvalidTransition, task.Status)
	}
}

// StartAll queues every Pending task and resumes every Paused one.
func (s *Scheduler) StartAll() error {
	var paused []string

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrSchedulerClosed
	}
	for _, t := range s.reg.List() {
		switch t.Status {
		case models.StatusPending:
			s.enqueueLocked(t.ID)
		case models.StatusPaused:
			paused = append(paused, t.ID)
		}
	}
	s.dispatchLocked()
	s.mu.Unlock()

	var errs []error
	for _, id := range paused {
		if err := s.resume(id); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pause marks a Processing task Paused at once; its worker stops at the next
// checkpoint after the current step returns.
func (s *Scheduler) Pause(id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	task, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(task.Status, models.StatusPaused); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	sig, err := s.reg.Signals(id)
	if err != nil {
		return err
	}

	// gate first: a Paused task always has a closed gate. The task may
	// still settle in between, so reopen only a gate this call closed.
	wasOpen := !sig.Paused()
	sig.Pause()
	if _, err := s.reg.Transition(id, models.StatusPaused, s.announce("paused")); err != nil {
		if wasOpen {
			sig.Resume()
		}
		return err
	}

	s.log.Info().Str("task", id).Msg("task paused")
	return nil
}

// PauseAll pauses every Processing task and returns how many were paused.
func (s *Scheduler) PauseAll() int {
	n := 0
	for _, t := range s.reg.List() {
		if t.Status == models.StatusProcessing && s.Pause(t.ID) == nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) resume(id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	sig, err := s.reg.Signals(id)
	if err != nil {
		return err
	}
	if _, err := s.reg.Transition(id, models.StatusProcessing, s.announce("resumed")); err != nil {
		return err
	}
	sig.Resume()

	s.log.Info().Str("task", id).Msg("task resumed")
	return nil
}

// Cancel marks a Processing or Paused task Cancelled and signals its worker,
// which stops at its next checkpoint. A Paused task is released without
// passing through Processing.
func (s *Scheduler) Cancel(id string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	sig, err := s.reg.Signals(id)
	if err != nil {
		return err
	}
	now := s.now()
	if _, err := s.reg.Transition(id, models.StatusCancelled, func(t *models.Task) {
		t.EndedAt = &now
		s.emit(t, "cancelled")
	}); err != nil {
		return err
	}
	sig.Cancel()

	s.log.Info().Str("task", id).Msg("task cancelled")
	return nil
}

// CancelAll cancels every Processing and Paused task and drops queued
// Pending tasks from the queue; they stay Pending. It returns how many tasks
// were cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	s.queue = nil
	s.queued = make(map[string]bool)
	s.checkIdleLocked()
	s.mu.Unlock()

	n := 0
	for _, t := range s.reg.List() {
		if t.Status != models.StatusProcessing && t.Status != models.StatusPaused {
			continue
		}
		if s.Cancel(t.ID) == nil {
			n++
		}
	}
	return n
}

// Retry returns a Failed task to Pending with progress, error and timestamps
// cleared. The previous diagnostic reference stays in LastDiagnosticRef. The
// task is not started.
func (s *Scheduler) Retry(id string) error {
	if _, err := s.reg.Transition(id, models.StatusPending, func(t *models.Task) {
		if t.Error != nil && t.Error.DiagnosticRef != "" {
			t.LastDiagnosticRef = t.Error.DiagnosticRef
		}
		t.Error = nil
		t.Progress = 0
		t.Step = ""
		t.StartedAt = nil
		t.EndedAt = nil
		t.OutputRef = ""
		s.emit(t, "retry")
	}); err != nil {
		return err
	}

	s.log.Info().Str("task", id).Msg("task reset for retry")
	return nil
}

// Remove deletes a Pending or finished task.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reg.Remove(id); err != nil {
		return err
	}
	if s.queued[id] {
		delete(s.queued, id)
		for i, q := range s.queue {
			if q == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.checkIdleLocked()
	}
	return nil
}

// ClearFinished removes all Completed, Failed and Cancelled tasks.
func (s *Scheduler) ClearFinished() int { return s.reg.ClearFinished() }

// Resize sets the pool capacity. In-flight tasks are never preempted; with a
// smaller capacity no task is admitted until occupancy drops below n.
func (s *Scheduler) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("pool capacity must be positive, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.capacity
	s.capacity = n
	s.dispatchLocked()

	if old != n {
		s.log.Info().Int("from", old).Int("to", n).Msg("pool resized")
	}
	return nil
}

// Capacity returns the current pool capacity.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Stats counts tasks per status along with the pool occupancy.
func (s *Scheduler) Stats() models.Stats {
	s.mu.Lock()
	st := models.Stats{Capacity: s.capacity, InFlight: s.inFlight, Queued: len(s.queue)}
	s.mu.Unlock()

	for _, t := range s.reg.List() {
		switch t.Status {
		case models.StatusPending:
			st.Pending++
		case models.StatusProcessing:
			st.Processing++
		case models.StatusPaused:
			st.Paused++
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		case models.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Wait blocks until no task is queued or in flight, or ctx ends. Paused
// tasks hold their slot, so Wait does not return while any task is paused.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all work, refuses further Start calls, waits for workers to
// return and closes the event stream.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.cancel()
	s.wg.Wait()
	s.events.Close()
}

func (s *Scheduler) enqueueLocked(id string) {
	if s.queued[id] {
		return
	}
	s.queued[id] = true
	s.queue = append(s.queue, id)
	s.checkIdleLocked()
}

// dispatchLocked claims queued tasks while slots are free.
func (s *Scheduler) dispatchLocked() {
	for !s.closed && s.inFlight < s.capacity && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, id)

		started := s.now()
		task, err := s.reg.Transition(id, models.StatusProcessing, func(t *models.Task) {
			t.StartedAt = &started
			t.EndedAt = nil
			t.Progress = 0
			t.Step = ""
			t.Attempts++
			s.emit(t, "started")
		})
		if err != nil {
			// removed or no longer Pending since it was queued
			s.log.Debug().Err(err).Str("task", id).Msg("skipping queued task")
			continue
		}
		sig, err := s.reg.Signals(id)
		if err != nil {
			continue
		}

		s.inFlight++
		s.nextSlot++
		s.wg.Add(1)
		go s.run(s.nextSlot, task, sig)
	}
	s.checkIdleLocked()
}

// checkIdleLocked keeps s.idle closed exactly when nothing is queued or in
// flight.
func (s *Scheduler) checkIdleLocked() {
	busy := s.inFlight > 0 || len(s.queue) > 0
	select {
	case <-s.idle:
		if busy {
			s.idle = make(chan struct{})
		}
	default:
		if !busy {
			close(s.idle)
		}
	}
}

func (s *Scheduler) run(slot int, task models.Task, sig *control.Signals) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.dispatchLocked()
		s.mu.Unlock()
		s.wg.Done()
	}()

	tr := progress.NewTracker(task.ID, *task.StartedAt, s.onProgress)
	res := s.runner.Run(s.ctx, worker.Job{Worker: slot, Task: task, Signals: sig, Tracker: tr})
	s.settle(task.ID, sig, res)
}

// settle records the outcome of an attempt. An outcome reached while the task
// is Paused waits for resume (then settles) or cancel (then stays
// Cancelled), so the status walk never leaves the state machine.
func (s *Scheduler) settle(id string, sig *control.Signals, res worker.Result) {
	if res.Cancelled {
		return
	}

	var detail *models.ErrorDetail
	for {
		if err := sig.Checkpoint(s.ctx); err != nil {
			s.discard(id, res.OutputRef)
			return
		}

		if res.Err != nil && detail == nil {
			detail = s.capture(id, res.Err)
		}

		now := s.now()
		var (
			task models.Task
			err  error
		)
		if res.Err != nil {
			task, err = s.reg.Transition(id, models.StatusFailed, func(t *models.Task) {
				d := *detail
				t.Error = &d
				if d.DiagnosticRef != "" {
					t.LastDiagnosticRef = d.DiagnosticRef
				}
				t.EndedAt = &now
				s.emit(t, "failed: "+d.Summary)
			})
		} else {
			task, err = s.reg.Transition(id, models.StatusCompleted, func(t *models.Task) {
				t.OutputRef = res.OutputRef
				t.Progress = 100
				t.Step = models.StepCompleted
				t.EndedAt = &now
				s.emit(t, "completed")
			})
		}
		if err == nil {
			if res.Err != nil {
				s.log.Warn().Str("task", id).Str("diagnostic", task.Error.DiagnosticRef).Msg("task failed")
			} else {
				s.log.Info().Str("task", id).Str("output", task.OutputRef).Msg("task completed")
			}
			return
		}

		cur, gerr := s.reg.Get(id)
		if gerr != nil || cur.Status != models.StatusPaused {
			// cancelled or removed while settling
			s.discard(id, res.OutputRef)
			return
		}
	}
}

func (s *Scheduler) capture(id string, cause error) *models.ErrorDetail {
	detail := &models.ErrorDetail{
		Summary: cause.Error(),
		Kind:    string(converter.KindOf(cause)),
	}
	if step, ok := converter.StepOf(cause); ok {
		detail.Step = step
	}
	if s.reporter == nil {
		return detail
	}

	snapshot, err := s.reg.Get(id)
	if err != nil {
		return detail
	}
	ref, err := s.reporter.Capture(snapshot, cause)
	if err != nil {
		s.log.Error().Err(err).Str("task", id).Msg("failed to capture diagnostics")
		return detail
	}
	detail.DiagnosticRef = ref
	return detail
}

func (s *Scheduler) discard(id, ref string) {
	if ref == "" {
		return
	}
	d, ok := s.runner.(interface {
		Discard(ctx context.Context, ref string) error
	})
	if !ok {
		return
	}
	if err := d.Discard(context.Background(), ref); err != nil {
		s.log.Warn().Err(err).Str("task", id).Str("output", ref).Msg("failed to discard output")
	}
}

// onProgress records tracker updates on the task and forwards them. Updates
// for a task that is no longer Processing or Paused are dropped.
func (s *Scheduler) onProgress(ev models.ProgressEvent) {
	_, _ = s.reg.Update(ev.TaskID, func(t *models.Task) {
		if t.Status != models.StatusProcessing && t.Status != models.StatusPaused {
			return
		}
		if ev.Percent > t.Progress {
			t.Progress = ev.Percent
		}
		t.Step = ev.Step

		ev.Status = t.Status
		ev.Percent = t.Progress
		s.events.Publish(ev)
	})
}

// announce returns a registry mutation that only publishes a state event.
func (s *Scheduler) announce(msg string) func(*models.Task) {
	return func(t *models.Task) { s.emit(t, msg) }
}

// emit publishes the state of t. It runs inside registry mutations so one
// task's events leave in the order its transitions happened.
func (s *Scheduler) emit(t *models.Task, msg string) {
	now := s.now()
	s.events.Publish(models.ProgressEvent{
		TaskID:  t.ID,
		Status:  t.Status,
		Step:    t.Step,
		Percent: t.Progress,
		Elapsed: t.Elapsed(now),
		Message: msg,
		Time:    now,
	})
}
