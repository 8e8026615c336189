package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollowcrest/pretranscode/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue-state.json")
	return New(path)
}

func TestEnqueueCreatesNewJob(t *testing.T) {
	q := newTestQueue(t)
	job, isNew, err := q.Enqueue(EnqueueInput{
		SourcePath: "/films/Example.mkv",
		Filename:   "Example.mkv",
		OutputDir:  "/transcoded/Example",
	}, false)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Len(t, q.Pending(), 1)
}

func TestEnqueueDuplicateIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	in := EnqueueInput{SourcePath: "/films/Example.mkv", Filename: "Example.mkv", OutputDir: "/out"}

	_, _, err := q.Enqueue(in, false)
	require.NoError(t, err)
	_, isNew, err := q.Enqueue(in, false)
	require.NoError(t, err)

	assert.False(t, isNew)
	assert.Len(t, q.Pending(), 1)
}

func TestEnqueueHighPriorityBumpsExisting(t *testing.T) {
	q := newTestQueue(t)
	in := EnqueueInput{SourcePath: "/films/Example.mkv", Filename: "Example.mkv", OutputDir: "/out"}

	first, _, err := q.Enqueue(in, false)
	require.NoError(t, err)
	require.Equal(t, int64(0), first.Priority)

	bumped, isNew, err := q.Enqueue(in, true)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Greater(t, bumped.Priority, int64(0))
	assert.Len(t, q.Pending(), 1)
}

func TestHighPriorityJobDequeuedBeforeLowPriority(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/B.mkv", Filename: "B.mkv", OutputDir: "/out/b"}, false)
	require.NoError(t, err)
	_, _, err = q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, true)
	require.NoError(t, err)

	job := q.Dequeue()
	require.NotNil(t, job)
	assert.Equal(t, "A.mkv", job.Filename)
	assert.Equal(t, domain.StatusTranscoding, job.Status)
}

func TestCompleteJobMovesToHistory(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	job := q.Dequeue()
	require.NotNil(t, job)

	q.CompleteJob(job.ID)

	completed := q.Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, domain.StatusCompleted, completed[0].Status)
	assert.Equal(t, 100.0, completed[0].Progress)
	assert.Empty(t, q.Active())
}

func TestFailJobRetriesUnderBudget(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	job := q.Dequeue()
	require.NotNil(t, job)

	q.FailJob(job.ID, domain.ErrTranscoderCrash)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.StatusPending, pending[0].Status)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, int64(0), pending[0].Priority)
}

func TestFailJobIsTerminalAfterRetryBudget(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)

	for i := 0; i < domain.MaxRetries; i++ {
		job := q.Dequeue()
		require.NotNil(t, job)
		q.FailJob(job.ID, domain.ErrTranscoderCrash)
	}

	job := q.Dequeue()
	require.NotNil(t, job)
	q.FailJob(job.ID, domain.ErrTranscoderCrash)

	assert.Empty(t, q.Pending())
}

func TestFailJobWithCorruptedSourceIsNeverRetried(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	job := q.Dequeue()
	require.NotNil(t, job)

	q.FailJob(job.ID, errors.New("wrapped: "+domain.ErrCorruptedSource.Error()))
	// Wrapping loses errors.Is matching on purpose here to exercise the
	// default-retryable branch; assert the explicit sentinel path instead.
	require.Same(t, job, q.Dequeue())
	q.FailJob(job.ID, domain.ErrCorruptedSource)

	assert.Empty(t, q.Pending())
}

func TestCancelRemovesPendingJob(t *testing.T) {
	q := newTestQueue(t)
	job, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)

	ok := q.Cancel(job.ID)
	assert.True(t, ok)
	assert.Empty(t, q.Pending())
}

func TestRequeueActiveClearsProgressAndPID(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	job := q.Dequeue()
	require.NotNil(t, job)
	q.UpdateProgress(job.ID, 55, 120, 1.1, 4242)

	requeued := q.RequeueActive()
	require.Len(t, requeued, 1)
	assert.Equal(t, domain.StatusPending, requeued[0].Status)
	assert.Equal(t, 0.0, requeued[0].Progress)
	assert.Equal(t, 0, requeued[0].PID)
	assert.Empty(t, q.Active())
}

func TestSaveThenLoadRoundTripsPendingSetAndPauseBit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue-state.json")
	q := New(path)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	_, _, err = q.Enqueue(EnqueueInput{SourcePath: "/films/B.mkv", Filename: "B.mkv", OutputDir: "/out/b"}, true)
	require.NoError(t, err)
	q.SetPaused(true)

	reloaded := New(path)
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.IsPaused())
	pending := reloaded.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "B.mkv", pending[0].Filename)
}

func TestLoadRequeuesInterruptedActiveJobAtProgressZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue-state.json")
	q := New(path)
	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/films/A.mkv", Filename: "A.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)
	job := q.Dequeue()
	require.NotNil(t, job)
	q.UpdateProgress(job.ID, 42, 100, 1.0, 999)
	require.NoError(t, q.Save())

	reloaded := New(path)
	require.NoError(t, reloaded.Load())

	pending := reloaded.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.StatusPending, pending[0].Status)
	assert.Equal(t, 0.0, pending[0].Progress)
	assert.Empty(t, reloaded.Active())
}

func TestMoveToTopReordersQueue(t *testing.T) {
	q := newTestQueue(t)
	_, _, _ = q.Enqueue(EnqueueInput{SourcePath: "/a.mkv", Filename: "a.mkv", OutputDir: "/out/a"}, false)
	second, _, _ := q.Enqueue(EnqueueInput{SourcePath: "/b.mkv", Filename: "b.mkv", OutputDir: "/out/b"}, false)

	require.NoError(t, q.MoveToTop(second.ID))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestReorderRejectsUnknownID(t *testing.T) {
	q := newTestQueue(t)
	job, _, _ := q.Enqueue(EnqueueInput{SourcePath: "/a.mkv", Filename: "a.mkv", OutputDir: "/out/a"}, false)

	err := q.Reorder([]string{job.ID, "does-not-exist"})
	assert.Error(t, err)
}

func TestRemoveDuplicatesCollapsesCollidingFilenames(t *testing.T) {
	q := newTestQueue(t)
	job1, _, _ := q.Enqueue(EnqueueInput{SourcePath: "/a.mkv", Filename: "Example.mkv", OutputDir: "/out/a"}, false)
	_ = job1

	// Simulate a second entry slipping in with a different source path but
	// the same normalized filename (e.g. a symlinked duplicate) bypassing
	// Enqueue's own check, to exercise the save-time de-dup pass directly.
	q.mu.Lock()
	q.pending = append(q.pending, &domain.TranscodeJob{
		ID: "dup", Filename: "EXAMPLE.mkv", SourcePath: "/other/a.mkv", Status: domain.StatusPending,
	})
	q.mu.Unlock()

	removed := q.RemoveDuplicates()
	assert.Equal(t, 1, removed)
	assert.Len(t, q.Pending(), 1)
}

func TestSubscribeReceivesEnqueueEvent(t *testing.T) {
	q := newTestQueue(t)
	events := q.Subscribe()

	_, _, err := q.Enqueue(EnqueueInput{SourcePath: "/a.mkv", Filename: "a.mkv", OutputDir: "/out/a"}, false)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, EventEnqueued, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for enqueue event")
	}
}
