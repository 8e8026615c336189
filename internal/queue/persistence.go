package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

// Load reads the persisted QueueState from disk, if present, and populates
// the in-memory tables per spec.md §4.4: only pending jobs are restored
// as-is; any job that was active at the previous shutdown is put back into
// the queue at the head with progress reset to zero, because FFmpeg cannot
// resume mid-segment reliably. Duplicates are collapsed and the queue is
// sorted by priority.
func (q *Queue) Load() error {
	data, err := os.ReadFile(q.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read queue state: %w", err)
	}

	var state domain.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse queue state: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var pending, wasActive []*domain.TranscodeJob
	for _, job := range state.Queue {
		if job.Status == domain.StatusTranscoding {
			wasActive = append(wasActive, job)
			continue
		}
		if job.Status == domain.StatusPending {
			pending = append(pending, job)
		}
	}
	q.pending = pending

	// Jobs that were active at shutdown are not recoverable mid-flight;
	// re-queue them at the head with progress cleared.
	for _, job := range wasActive {
		job.Status = domain.StatusPending
		job.Progress = 0
		job.StartedAt = nil
		job.PID = 0
		q.pending = append([]*domain.TranscodeJob{job}, q.pending...)
	}

	q.pending = dedupeByFilename(q.pending)
	sortByPriorityDesc(q.pending)

	q.completed = state.CompletedJobs
	q.isPaused = state.IsPaused
	q.active = make(map[string]*domain.TranscodeJob)

	return nil
}

// Save writes the current in-memory state to disk atomically: the state is
// snapshotted under the lock, then serialized, written to a temporary
// sibling file and renamed into place outside the lock so no I/O happens
// while other goroutines are blocked on the mutex.
func (q *Queue) Save() error {
	state := q.snapshotState()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	dir := filepath.Dir(q.filePath)
	tmp, err := os.CreateTemp(dir, ".queue-state-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}

	if err := os.Rename(tmpPath, q.filePath); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// snapshotState builds the persisted document under the lock, running the
// centralized de-duplication pass before every save (spec.md §4.4).
func (q *Queue) snapshotState() domain.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = dedupeByFilename(q.pending)
	sortByPriorityDesc(q.pending)

	queue := make([]*domain.TranscodeJob, 0, len(q.pending)+len(q.active))
	for _, job := range q.pending {
		queue = append(queue, job.Clone())
	}
	for _, job := range q.active {
		queue = append(queue, job.Clone())
	}

	completed := trimCompletedHistory(q.completed)
	completedCopy := make([]*domain.TranscodeJob, len(completed))
	for i, job := range completed {
		completedCopy[i] = job.Clone()
	}

	return domain.QueueState{
		Queue:         queue,
		CompletedJobs: completedCopy,
		IsRunning:     q.isRunning,
		IsPaused:      q.isPaused,
		LastSaved:     time.Now().UTC(),
		Version:       domain.CurrentSchemaVersion,
	}
}

func trimCompletedHistory(jobs []*domain.TranscodeJob) []*domain.TranscodeJob {
	if len(jobs) <= domain.MaxCompletedHistory {
		return jobs
	}
	return jobs[len(jobs)-domain.MaxCompletedHistory:]
}

// dedupeByFilename is the single centralized de-duplication helper spec.md
// §9 calls for, replacing scattered load/save/enqueue checks. Duplicates
// (matching normalized filename) are dropped in favor of the
// highest-priority entry; ties keep the earliest occurrence.
func dedupeByFilename(jobs []*domain.TranscodeJob) []*domain.TranscodeJob {
	best := make(map[string]*domain.TranscodeJob, len(jobs))
	order := make([]string, 0, len(jobs))

	for _, job := range jobs {
		key := domain.NormalizedFilename(job.Filename)
		existing, ok := best[key]
		if !ok {
			best[key] = job
			order = append(order, key)
			continue
		}
		if job.Priority > existing.Priority {
			best[key] = job
		}
	}

	out := make([]*domain.TranscodeJob, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func sortByPriorityDesc(jobs []*domain.TranscodeJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Priority > jobs[j].Priority
	})
}
