package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc2long/internal/models"
)

func TestSubmitCreatesPendingTask(t *testing.T) {
	r := New()

	id, err := r.Submit("a.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, "a.pdf", task.SourceRef)
	assert.Zero(t, task.Progress)
	assert.Empty(t, task.OutputRef)
}

func TestSubmitDuplicateReturnsExistingID(t *testing.T) {
	r := New()

	first, err := r.Submit("a.pdf")
	require.NoError(t, err)

	second, err := r.Submit("a.pdf")
	assert.ErrorIs(t, err, models.ErrDuplicateSource)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.size())
}

func TestSubmitAfterTerminalCreatesNewTask(t *testing.T) {
	r := New()

	first, _ := r.Submit("a.pdf")
	_, err := r.Transition(first, models.StatusProcessing, nil)
	require.NoError(t, err)
	_, err = r.Transition(first, models.StatusCancelled, nil)
	require.NoError(t, err)

	second, err := r.Submit("a.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, r.size())
}

func TestConcurrentDuplicateSubmitsYieldOneEntry(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = r.Submit("same.docx")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.size())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestListKeepsInsertionOrder(t *testing.T) {
	r := New()
	var want []string
	for i := 0; i < 5; i++ {
		id, err := r.Submit(fmt.Sprintf("f%d.pdf", i))
		require.NoError(t, err)
		want = append(want, id)
	}

	var got []string
	for _, task := range r.List() {
		got = append(got, task.ID)
	}
	assert.Equal(t, want, got)
}

func TestGetUnknown(t *testing.T) {
	_, err := New().Get("missing")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestRemoveRejectsProcessing(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")
	_, err := r.Transition(id, models.StatusProcessing, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Remove(id), models.ErrTaskBusy)

	_, err = r.Transition(id, models.StatusPaused, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Remove(id), models.ErrTaskBusy)

	_, err = r.Transition(id, models.StatusCancelled, nil)
	require.NoError(t, err)
	require.NoError(t, r.Remove(id))
	assert.Zero(t, r.size())
}

func TestRemovePending(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")
	require.NoError(t, r.Remove(id))
	assert.ErrorIs(t, r.Remove(id), models.ErrTaskNotFound)
}

func TestClearFinished(t *testing.T) {
	r := New()
	pending, _ := r.Submit("p.pdf")
	done, _ := r.Submit("d.pdf")
	failed, _ := r.Submit("f.pdf")
	running, _ := r.Submit("r.pdf")

	for _, id := range []string{done, failed, running} {
		_, err := r.Transition(id, models.StatusProcessing, nil)
		require.NoError(t, err)
	}
	_, err := r.Transition(done, models.StatusCompleted, func(t *models.Task) { t.OutputRef = "out.png" })
	require.NoError(t, err)
	_, err = r.Transition(failed, models.StatusFailed, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, r.ClearFinished())

	var left []string
	for _, task := range r.List() {
		left = append(left, task.ID)
	}
	assert.Equal(t, []string{pending, running}, left)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")

	_, err := r.Transition(id, models.StatusCompleted, nil)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	task, _ := r.Get(id)
	assert.Equal(t, models.StatusPending, task.Status)
}

func TestRetryTransitionIssuesFreshSignals(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")
	_, _ = r.Transition(id, models.StatusProcessing, nil)

	old, err := r.Signals(id)
	require.NoError(t, err)
	old.Cancel()

	_, err = r.Transition(id, models.StatusFailed, nil)
	require.NoError(t, err)
	_, err = r.Transition(id, models.StatusPending, nil)
	require.NoError(t, err)

	fresh, err := r.Signals(id)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.True(t, old.Cancelled())
	assert.False(t, fresh.Cancelled())
}

func TestUpdateKeepsStatus(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")

	task, err := r.Update(id, func(t *models.Task) {
		t.Status = models.StatusCompleted
		t.Progress = 12
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, 12.0, task.Progress)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r := New()
	id, _ := r.Submit("a.pdf")
	_, _ = r.Transition(id, models.StatusProcessing, nil)
	_, _ = r.Transition(id, models.StatusFailed, func(t *models.Task) {
		t.Error = &models.ErrorDetail{Summary: "boom"}
	})

	snap, _ := r.Get(id)
	snap.Error.Summary = "changed"

	again, _ := r.Get(id)
	assert.Equal(t, "boom", again.Error.Summary)
}
