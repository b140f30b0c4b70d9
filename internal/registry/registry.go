// Package registry stores conversion tasks in submission order.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"doc2long/internal/control"
	"doc2long/internal/models"
)

type entry struct {
	task    models.Task
	signals *control.Signals
}

// Registry is a concurrency-safe store of tasks keyed by id.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	order []string
	now   func() time.Time
	newID func() string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*entry),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Submit adds a Pending task for sourceRef. If a task for the same source is
// still live (anything but Completed or Cancelled) its id is returned together
// with ErrDuplicateSource and nothing is inserted.
func (r *Registry) Submit(sourceRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e := r.tasks[id]
		if e.task.SourceRef != sourceRef {
			continue
		}
		if s := e.task.Status; s != models.StatusCompleted && s != models.StatusCancelled {
			return id, fmt.Errorf("%w: %s", models.ErrDuplicateSource, sourceRef)
		}
	}

	id := r.newID()
	r.tasks[id] = &entry{
		task: models.Task{
			ID:          id,
			SourceRef:   sourceRef,
			Status:      models.StatusPending,
			SubmittedAt: r.now(),
		},
		signals: control.New(),
	}
	r.order = append(r.order, id)

	return id, nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return e.task.Clone(), nil
}

// List returns snapshots of all tasks in submission order.
func (r *Registry) List() []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].task.Clone())
	}
	return out
}

// Signals returns the pause/cancel pair of the task's current attempt.
func (r *Registry) Signals(id string) (*control.Signals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return e.signals, nil
}

// Remove deletes a Pending or finished task. Processing and Paused tasks are
// owned by a worker and yield ErrTaskBusy.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if s := e.task.Status; s == models.StatusProcessing || s == models.StatusPaused {
		return fmt.Errorf("%w: %s is %s", models.ErrTaskBusy, id, s)
	}

	r.removeLocked(id)
	return nil
}

// ClearFinished removes every Completed, Failed and Cancelled task and
// returns how many were removed.
func (r *Registry) ClearFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		if r.tasks[id].task.Status.Finished() {
			delete(r.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// Transition moves the task to status `to` if that is an edge of the state
// machine, applying mutate under the lock. Moving back to Pending issues a
// fresh signal pair.
func (r *Registry) Transition(id string, to models.TaskStatus, mutate func(*models.Task)) (models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if err := models.CheckTransition(e.task.Status, to); err != nil {
		return e.task.Clone(), fmt.Errorf("task %s: %w", id, err)
	}

	e.task.Status = to
	if to == models.StatusPending {
		e.signals = control.New()
	}
	if mutate != nil {
		mutate(&e.task)
	}
	return e.task.Clone(), nil
}

// Update applies fn to the task under the lock without changing its status.
func (r *Registry) Update(id string, fn func(*models.Task)) (models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	status := e.task.Status
	fn(&e.task)
	e.task.Status = status
	return e.task.Clone(), nil
}

// size returns the number of stored tasks.
func (r *Registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) removeLocked(id string) {
	delete(r.tasks, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
