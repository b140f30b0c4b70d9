package manager

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc2long/internal/converter"
	"doc2long/internal/models"
	"doc2long/internal/registry"
	"doc2long/internal/worker"
)

// stubConverter succeeds for every source unless told otherwise. Sources
// listed in hold block inside Render until released.
type stubConverter struct {
	mu       sync.Mutex
	failOnce map[string]models.Step
	hold     map[string]chan struct{}
	entered  chan string
	active   atomic.Int32
	peak     atomic.Int32
	merged   atomic.Int32
	rendered map[string]int
}

func newStub() *stubConverter {
	return &stubConverter{
		failOnce: map[string]models.Step{},
		hold:     map[string]chan struct{}{},
		entered:  make(chan string, 16),
		rendered: map[string]int{},
	}
}

func (c *stubConverter) holdSource(src string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.hold[src] = ch
	return ch
}

func (c *stubConverter) Detect(_ context.Context, src string) (converter.Detection, error) {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return converter.Detection{Kind: converter.SourceNative, Extension: ".pdf"}, nil
}

func (c *stubConverter) Load(_ context.Context, ref string) (*converter.Document, error) {
	return &converter.Document{Path: ref, Pages: 2}, nil
}

func (c *stubConverter) Render(_ context.Context, doc *converter.Document, _ models.Params, hint converter.PageHint) ([]image.Image, error) {
	c.mu.Lock()
	hold := c.hold[doc.Path]
	c.rendered[doc.Path]++
	step, fail := c.failOnce[doc.Path]
	if fail {
		delete(c.failOnce, doc.Path)
	}
	c.mu.Unlock()

	if hold != nil {
		c.entered <- doc.Path
		<-hold
	}
	if fail && step == models.StepRenderingPages {
		c.active.Add(-1)
		return nil, converter.NewError(converter.KindExternalToolFailed, models.StepRenderingPages, "pdftoppm exited with 1")
	}

	pages := []image.Image{image.NewRGBA(image.Rect(0, 0, 2, 2)), image.NewRGBA(image.Rect(0, 0, 2, 2))}
	hint(1, 2)
	hint(2, 2)
	return pages, nil
}

func (c *stubConverter) Merge(_ context.Context, pages []image.Image, _ converter.PageHint) (image.Image, error) {
	c.merged.Add(1)
	return pages[0], nil
}

func (c *stubConverter) Save(_ context.Context, _ image.Image, _ models.Params, name string) (string, error) {
	c.active.Add(-1)
	return "out/" + name + ".png", nil
}

type stubReporter struct {
	mu    sync.Mutex
	calls int
}

func (r *stubReporter) Capture(task models.Task, _ error) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return fmt.Sprintf("diag/%s-%d.json", task.ID, r.calls), nil
}

func newScheduler(t *testing.T, workers int, conv converter.Converter, rep Reporter) *Scheduler {
	t.Helper()
	p := worker.New(worker.Options{
		Converter: conv,
		Params:    models.Params{Resolution: 100, Format: models.FormatPNG},
		WorkDir:   t.TempDir(),
		Logger:    zerolog.Nop(),
	})
	s := New(registry.New(), p, Options{Workers: workers, Reporter: rep, Logger: zerolog.Nop()})
	t.Cleanup(s.Close)
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func statusOf(t *testing.T, s *Scheduler, id string) models.TaskStatus {
	t.Helper()
	task, err := s.Get(id)
	require.NoError(t, err)
	return task.Status
}

func waitStatus(t *testing.T, s *Scheduler, id string, want models.TaskStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		task, err := s.Get(id)
		return err == nil && task.Status == want
	}, 2*time.Second, 2*time.Millisecond, "task %s never reached %s", id, want)
}

func submit(t *testing.T, s *Scheduler, srcs ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(srcs))
	for _, src := range srcs {
		id, err := s.Submit(src)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSingleWorkerRunsOneAtATime(t *testing.T) {
	conv := newStub()
	s := newScheduler(t, 1, conv, nil)
	ids := submit(t, s, "a.pdf", "b.pdf", "c.pdf")

	require.NoError(t, s.StartAll())
	waitIdle(t, s)

	assert.Equal(t, int32(1), conv.peak.Load())
	for _, id := range ids {
		task, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, task.Status)
		assert.Equal(t, 100.0, task.Progress)
		assert.NotEmpty(t, task.OutputRef)
		assert.NotNil(t, task.EndedAt)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	conv := newStub()
	conv.failOnce["b.pdf"] = models.StepRenderingPages
	rep := &stubReporter{}
	s := newScheduler(t, 3, conv, rep)
	ids := submit(t, s, "a.pdf", "b.pdf", "c.pdf")

	require.NoError(t, s.StartAll())
	waitIdle(t, s)

	failed, err := s.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Empty(t, failed.OutputRef)
	require.NotNil(t, failed.Error)
	assert.NotEmpty(t, failed.Error.DiagnosticRef)
	assert.Equal(t, models.StepRenderingPages, failed.Error.Step)
	assert.Equal(t, string(converter.KindExternalToolFailed), failed.Error.Kind)
	assert.Equal(t, failed.Error.DiagnosticRef, failed.LastDiagnosticRef)

	assert.Equal(t, models.StatusCompleted, statusOf(t, s, ids[0]))
	assert.Equal(t, models.StatusCompleted, statusOf(t, s, ids[2]))
	assert.Equal(t, 1, rep.calls)
}

func TestPauseAndResume(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	id := submit(t, s, "a.pdf")[0]

	require.NoError(t, s.Start(id))
	<-conv.entered

	require.NoError(t, s.Pause(id))
	assert.Equal(t, models.StatusPaused, statusOf(t, s, id), "paused immediately")

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StatusPaused, statusOf(t, s, id))
	assert.Zero(t, conv.merged.Load(), "worker holds at the checkpoint")

	pausedFor := 30 * time.Millisecond
	time.Sleep(pausedFor)
	require.NoError(t, s.Start(id))
	waitIdle(t, s)

	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.GreaterOrEqual(t, task.Elapsed(time.Now()), 50*time.Millisecond+pausedFor, "elapsed includes the pause")
}

func TestPauseTwiceKeepsWorkerHeld(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	id := submit(t, s, "a.pdf")[0]

	require.NoError(t, s.Start(id))
	<-conv.entered
	require.NoError(t, s.Pause(id))
	assert.ErrorIs(t, s.Pause(id), models.ErrInvalidTransition)

	sig, err := s.reg.Signals(id)
	require.NoError(t, err)
	assert.True(t, sig.Paused(), "second pause leaves the gate closed")

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StatusPaused, statusOf(t, s, id))
	assert.Zero(t, conv.merged.Load(), "worker holds at the checkpoint")

	require.NoError(t, s.Start(id))
	waitIdle(t, s)
	assert.Equal(t, models.StatusCompleted, statusOf(t, s, id))
	assert.Equal(t, int32(1), conv.merged.Load())
}

func TestPauseNonProcessingLeavesGate(t *testing.T) {
	s := newScheduler(t, 1, newStub(), nil)
	ids := submit(t, s, "pending.pdf", "done.pdf")

	require.NoError(t, s.Start(ids[1]))
	waitIdle(t, s)
	require.Equal(t, models.StatusCompleted, statusOf(t, s, ids[1]))

	for _, id := range ids {
		assert.ErrorIs(t, s.Pause(id), models.ErrInvalidTransition)
		sig, err := s.reg.Signals(id)
		require.NoError(t, err)
		assert.False(t, sig.Paused(), "gate of %s untouched", id)
	}
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[0]))

	require.NoError(t, s.Start(ids[0]))
	waitIdle(t, s)
	assert.Equal(t, models.StatusCompleted, statusOf(t, s, ids[0]))
}

func TestPauseAll(t *testing.T) {
	conv := newStub()
	relA := conv.holdSource("a.pdf")
	relB := conv.holdSource("b.pdf")
	s := newScheduler(t, 2, conv, nil)
	ids := submit(t, s, "a.pdf", "b.pdf", "c.pdf")

	require.NoError(t, s.StartAll())
	<-conv.entered
	<-conv.entered

	assert.Equal(t, 2, s.PauseAll())
	assert.Equal(t, models.StatusPaused, statusOf(t, s, ids[0]))
	assert.Equal(t, models.StatusPaused, statusOf(t, s, ids[1]))
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[2]), "queued task is not paused")
	assert.Zero(t, s.PauseAll(), "nothing left to pause")

	close(relA)
	close(relB)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conv.merged.Load())
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[2]), "paused tasks keep their slots")

	require.NoError(t, s.StartAll())
	waitIdle(t, s)
	for _, id := range ids {
		assert.Equal(t, models.StatusCompleted, statusOf(t, s, id))
	}
}

func TestCancelPausedTask(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	id := submit(t, s, "a.pdf")[0]

	sub := s.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, s.Start(id))
	<-conv.entered
	require.NoError(t, s.Pause(id))
	require.NoError(t, s.Cancel(id))
	assert.Equal(t, models.StatusCancelled, statusOf(t, s, id))

	close(release)
	waitIdle(t, s)

	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.Empty(t, task.OutputRef)
	assert.Zero(t, conv.merged.Load())

	var statuses []models.TaskStatus
	for {
		select {
		case ev := <-sub.C:
			if len(statuses) == 0 || statuses[len(statuses)-1] != ev.Status {
				statuses = append(statuses, ev.Status)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []models.TaskStatus{models.StatusProcessing, models.StatusPaused, models.StatusCancelled}, statuses)
}

func TestRetryFailedTask(t *testing.T) {
	conv := newStub()
	conv.failOnce["a.pdf"] = models.StepRenderingPages
	s := newScheduler(t, 1, conv, &stubReporter{})
	id := submit(t, s, "a.pdf")[0]

	require.NoError(t, s.Start(id))
	waitIdle(t, s)
	failed, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)
	oldRef := failed.Error.DiagnosticRef

	require.NoError(t, s.Retry(id))
	task, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Zero(t, task.Progress)
	assert.Nil(t, task.Error)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, oldRef, task.LastDiagnosticRef)

	require.NoError(t, s.Start(id))
	waitIdle(t, s)
	task, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, oldRef, task.LastDiagnosticRef)
}

func TestResizeDoesNotPreempt(t *testing.T) {
	conv := newStub()
	relA := conv.holdSource("a.pdf")
	relB := conv.holdSource("b.pdf")
	s := newScheduler(t, 1, conv, nil)
	ids := submit(t, s, "a.pdf", "b.pdf", "c.pdf")

	require.NoError(t, s.StartAll())
	<-conv.entered
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[1]))

	require.NoError(t, s.Resize(2))
	<-conv.entered
	assert.Equal(t, models.StatusProcessing, statusOf(t, s, ids[0]))
	assert.Equal(t, models.StatusProcessing, statusOf(t, s, ids[1]))

	require.NoError(t, s.Resize(1))
	assert.Equal(t, models.StatusProcessing, statusOf(t, s, ids[0]))
	assert.Equal(t, models.StatusProcessing, statusOf(t, s, ids[1]))
	st := s.Stats()
	assert.Equal(t, 1, st.Capacity)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 1, st.Queued)

	close(relA)
	waitStatus(t, s, ids[0], models.StatusCompleted)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[2]), "no slot while b still runs")

	close(relB)
	waitIdle(t, s)
	for _, id := range ids {
		assert.Equal(t, models.StatusCompleted, statusOf(t, s, id))
	}
	assert.Error(t, s.Resize(0))
}

func TestDuplicateSubmit(t *testing.T) {
	s := newScheduler(t, 1, newStub(), nil)

	first, err := s.Submit("a.pdf")
	require.NoError(t, err)
	second, err := s.Submit("a.pdf")
	assert.ErrorIs(t, err, models.ErrDuplicateSource)
	assert.Equal(t, first, second)
	assert.Len(t, s.List(), 1)
}

func TestIllegalCommands(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("busy.pdf")
	s := newScheduler(t, 1, conv, nil)
	ids := submit(t, s, "busy.pdf", "idle.pdf")

	assert.ErrorIs(t, s.Retry(ids[1]), models.ErrInvalidTransition)
	assert.ErrorIs(t, s.Pause(ids[1]), models.ErrInvalidTransition)
	assert.ErrorIs(t, s.Cancel(ids[1]), models.ErrInvalidTransition)
	assert.ErrorIs(t, s.Start("nope"), models.ErrTaskNotFound)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	require.NoError(t, s.Start(ids[0]))
	<-conv.entered
	assert.ErrorIs(t, s.Remove(ids[0]), models.ErrTaskBusy)
	assert.NoError(t, s.Start(ids[0]), "already processing")

	close(release)
	waitIdle(t, s)
	assert.ErrorIs(t, s.Start(ids[0]), models.ErrInvalidTransition)
	assert.ErrorIs(t, s.Pause(ids[0]), models.ErrInvalidTransition)
	require.NoError(t, s.Remove(ids[1]))
	assert.Equal(t, 1, s.ClearFinished())
	assert.Empty(t, s.List())
}

func TestRemoveQueuedTask(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	ids := submit(t, s, "a.pdf", "b.pdf")

	require.NoError(t, s.StartAll())
	<-conv.entered
	require.NoError(t, s.Remove(ids[1]))
	assert.Zero(t, s.Stats().Queued)

	close(release)
	waitIdle(t, s)
	assert.Len(t, s.List(), 1)
}

func TestCancelAllAndClose(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	ids := submit(t, s, "a.pdf", "b.pdf")

	require.NoError(t, s.StartAll())
	<-conv.entered
	assert.Equal(t, 1, s.CancelAll())
	assert.Equal(t, models.StatusCancelled, statusOf(t, s, ids[0]))
	assert.Equal(t, models.StatusPending, statusOf(t, s, ids[1]), "queued task left pending")

	close(release)
	waitIdle(t, s)

	s.Close()
	assert.ErrorIs(t, s.Start(ids[1]), models.ErrSchedulerClosed)
	assert.ErrorIs(t, s.StartAll(), models.ErrSchedulerClosed)

	sub := s.Subscribe()
	_, open := <-sub.C
	assert.False(t, open, "event stream closed")
}

func TestEventsFollowStateMachine(t *testing.T) {
	conv := newStub()
	conv.failOnce["b.pdf"] = models.StepRenderingPages
	release := conv.holdSource("c.pdf")
	s := newScheduler(t, 2, conv, &stubReporter{})

	sub := s.Subscribe()
	defer sub.Unsubscribe()

	ids := submit(t, s, "a.pdf", "b.pdf", "c.pdf")
	require.NoError(t, s.StartAll())

	waitStatus(t, s, ids[1], models.StatusFailed)
	require.NoError(t, s.Retry(ids[1]))
	require.NoError(t, s.Start(ids[1]))

	waitStatus(t, s, ids[2], models.StatusProcessing)
	<-conv.entered
	require.NoError(t, s.Pause(ids[2]))
	require.NoError(t, s.Start(ids[2]))
	close(release)
	waitIdle(t, s)

	type state struct {
		status  models.TaskStatus
		percent float64
	}
	last := map[string]state{}
	walked := map[string][]models.TaskStatus{}

	for {
		var ev models.ProgressEvent
		select {
		case ev = <-sub.C:
		default:
		}
		if ev.TaskID == "" {
			break
		}

		prev, seen := last[ev.TaskID]
		if !seen {
			assert.Equal(t, models.StatusProcessing, ev.Status, "first event of %s", ev.TaskID)
		} else if prev.status != ev.Status {
			assert.True(t, models.CanTransition(prev.status, ev.Status),
				"illegal walk %s -> %s for %s", prev.status, ev.Status, ev.TaskID)
		} else if ev.Status == models.StatusProcessing {
			assert.GreaterOrEqual(t, ev.Percent, prev.percent, "progress went backwards for %s", ev.TaskID)
		}
		last[ev.TaskID] = state{ev.Status, ev.Percent}
		if w := walked[ev.TaskID]; len(w) == 0 || w[len(w)-1] != ev.Status {
			walked[ev.TaskID] = append(w, ev.Status)
		}
	}

	for _, id := range ids {
		assert.Equal(t, models.StatusCompleted, last[id].status, "final state of %s", id)
	}
	assert.Equal(t, []models.TaskStatus{
		models.StatusProcessing, models.StatusFailed, models.StatusPending,
		models.StatusProcessing, models.StatusCompleted,
	}, walked[ids[1]])
	assert.Contains(t, walked[ids[2]], models.StatusPaused)
}

func TestCloseWaitsForWorkers(t *testing.T) {
	conv := newStub()
	release := conv.holdSource("a.pdf")
	s := newScheduler(t, 1, conv, nil)
	id := submit(t, s, "a.pdf")[0]

	require.NoError(t, s.Start(id))
	<-conv.entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a step was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, models.StatusCancelled, statusOf(t, s, id))
	assert.True(t, errors.Is(s.Start(id), models.ErrInvalidTransition) || errors.Is(s.Start(id), models.ErrSchedulerClosed))
}
