// Package control holds the cooperative pause and cancel primitives a worker
// consults between pipeline steps.
//
// Signals are never acted on mid-step: a call into an external tool that is
// already running finishes first, and the worker observes the signal at its
// next Checkpoint.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned from Checkpoint once the task has been cancelled.
var ErrCancelled = errors.New("task cancelled")

// Gate blocks waiters while closed. A new gate is open.
type Gate struct {
	mu   sync.Mutex
	open chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: ch}
}

// Close makes subsequent waiters block until Open is called.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

// Open releases current and future waiters.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// IsOpen reports whether Wait would return immediately.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens, abort is closed or ctx is done.
func (g *Gate) Wait(ctx context.Context, abort <-chan struct{}) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-abort:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals is the pause/cancel pair owned by one processing attempt of a task.
// A retried task gets a fresh pair; the cancel flag of a pair never resets.
type Signals struct {
	cancelled atomic.Bool
	cancelCh  chan struct{}
	once      sync.Once
	pause     *Gate
}

// New creates signals in the running, not cancelled state.
func New() *Signals {
	return &Signals{
		cancelCh: make(chan struct{}),
		pause:    NewGate(),
	}
}

// Cancel sets the cancel flag and wakes a worker blocked on the pause gate.
func (s *Signals) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.cancelCh)
	})
}

// Cancelled reports whether Cancel has been called.
func (s *Signals) Cancelled() bool {
	return s.cancelled.Load()
}

// Pause closes the gate so the worker blocks at its next checkpoint.
func (s *Signals) Pause() {
	s.pause.Close()
}

// Resume reopens the gate.
func (s *Signals) Resume() {
	s.pause.Open()
}

// Paused reports whether the gate is closed.
func (s *Signals) Paused() bool {
	return !s.pause.IsOpen()
}

// Checkpoint is called by the worker between steps. It returns ErrCancelled
// if the task was cancelled before or during the wait, ctx.Err() if ctx ends,
// and nil once the task may proceed.
func (s *Signals) Checkpoint(ctx context.Context) error {
	if s.Cancelled() {
		return ErrCancelled
	}
	if err := s.pause.Wait(ctx, s.cancelCh); err != nil {
		return err
	}
	// cancel and resume may race; cancel wins
	if s.Cancelled() {
		return ErrCancelled
	}
	return nil
}
