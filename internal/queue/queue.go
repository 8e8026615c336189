// Package queue implements the persistent priority queue and active-job
// table described in spec.md §4.4: a single JSON document on disk, strict
// de-duplication, atomic saves, and the reordering operations the
// administrative control surface exposes.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hollowcrest/pretranscode/internal/domain"
)

const autoSaveInterval = 30 * time.Second

// Queue owns the pending queue, the active-job table, and the bounded
// completion history in memory, plus the single JSON file they persist to.
// All mutation is serialized through mu; the JSON write itself happens
// outside the lock (see Save).
type Queue struct {
	filePath string

	mu        sync.Mutex
	pending   []*domain.TranscodeJob
	active    map[string]*domain.TranscodeJob
	completed []*domain.TranscodeJob
	isRunning bool
	isPaused  bool

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}

	saveTimer *time.Timer
	stopSave  chan struct{}
}

// New returns a Queue persisting to filePath. Call Load to restore any
// prior state before use.
func New(filePath string) *Queue {
	return &Queue{
		filePath:    filePath,
		active:      make(map[string]*domain.TranscodeJob),
		subscribers: make(map[chan Event]struct{}),
	}
}

// StartAutoSave begins the 30-second save timer (spec.md §4.4). Call
// StopAutoSave to release it during shutdown.
func (q *Queue) StartAutoSave() {
	q.mu.Lock()
	if q.stopSave != nil {
		q.mu.Unlock()
		return
	}
	q.stopSave = make(chan struct{})
	stop := q.stopSave
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(autoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = q.Save()
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoSave stops the background save timer.
func (q *Queue) StopAutoSave() {
	q.mu.Lock()
	stop := q.stopSave
	q.stopSave = nil
	q.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// EnqueueInput describes a candidate source file to enqueue.
type EnqueueInput struct {
	SourcePath string
	Filename   string
	OutputDir  string
	FileSize   int64
	MTime      time.Time
}

// Enqueue implements spec.md §4.4's Enqueue operation. It returns the
// resulting job and whether a new job was created (false means the
// candidate collided with an existing pending/active/completed job and was
// either bumped in priority or left untouched).
func (q *Queue) Enqueue(in EnqueueInput, highPriority bool) (*domain.TranscodeJob, bool, error) {
	q.mu.Lock()

	if existing := q.findCollision(in.Filename, in.SourcePath); existing != nil {
		if highPriority && existing.Status == domain.StatusPending {
			existing.Priority = time.Now().UnixNano()
			sortByPriorityDesc(q.pending)
		}
		q.mu.Unlock()
		if err := q.Save(); err != nil {
			return existing, false, err
		}
		return existing, false, nil
	}

	job := &domain.TranscodeJob{
		ID:            uuid.NewString(),
		SourcePath:    in.SourcePath,
		Filename:      in.Filename,
		OutputDir:     in.OutputDir,
		Status:        domain.StatusPending,
		FileSizeBytes: in.FileSize,
		MTime:         in.MTime,
	}
	if highPriority {
		job.Priority = time.Now().UnixNano()
		q.pending = append([]*domain.TranscodeJob{job}, q.pending...)
	} else {
		job.Priority = 0
		q.pending = append(q.pending, job)
	}
	sortByPriorityDesc(q.pending)
	q.mu.Unlock()

	q.publish(Event{Type: EventEnqueued, Job: job})
	if err := q.Save(); err != nil {
		return job, true, err
	}
	return job, true, nil
}

// findCollision must be called with mu held. It returns the first job
// whose normalized filename or normalized source path matches across
// pending, active, or completed history.
func (q *Queue) findCollision(filename, sourcePath string) *domain.TranscodeJob {
	nameKey := domain.NormalizedFilename(filename)
	pathKey := domain.NormalizedSourcePath(sourcePath)

	matches := func(j *domain.TranscodeJob) bool {
		return domain.NormalizedFilename(j.Filename) == nameKey || domain.NormalizedSourcePath(j.SourcePath) == pathKey
	}
	for _, j := range q.pending {
		if matches(j) {
			return j
		}
	}
	for _, j := range q.active {
		if matches(j) {
			return j
		}
	}
	for _, j := range q.completed {
		if matches(j) {
			return j
		}
	}
	return nil
}

// Dequeue pops the highest-priority pending job and moves it to the active
// table. Returns nil if the pending queue is empty.
func (q *Queue) Dequeue() *domain.TranscodeJob {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]

	now := time.Now().UTC()
	job.Status = domain.StatusTranscoding
	job.StartedAt = &now
	job.Progress = 0
	q.active[job.ID] = job
	q.mu.Unlock()

	q.publish(Event{Type: EventStatusChanged, Job: job})
	_ = q.Save()
	return job
}

// CompleteJob marks an active job completed and moves it into the bounded
// history.
func (q *Queue) CompleteJob(jobID string) {
	q.mu.Lock()
	job, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, jobID)
	now := time.Now().UTC()
	job.Status = domain.StatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.PID = 0
	q.completed = append(q.completed, job)
	q.completed = trimCompletedHistory(q.completed)
	q.mu.Unlock()

	q.publish(Event{Type: EventStatusChanged, Job: job})
	_ = q.Save()
}

// FailJob records a job failure. If retryable and the job's retry budget
// is not exhausted, the job re-enters the pending queue with priority
// reset to zero (spec.md §4.7 step 7); otherwise it is marked failed.
func (q *Queue) FailJob(jobID string, cause error) {
	q.mu.Lock()
	job, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, jobID)
	job.Error = cause.Error()
	job.PID = 0

	if domain.IsRetryable(cause) && job.RetryCount < domain.MaxRetries {
		job.RetryCount++
		job.Priority = 0
		job.Status = domain.StatusPending
		job.StartedAt = nil
		job.Progress = 0
		q.pending = append(q.pending, job)
		sortByPriorityDesc(q.pending)
	} else {
		job.Status = domain.StatusFailed
	}
	q.mu.Unlock()

	q.publish(Event{Type: EventStatusChanged, Job: job})
	_ = q.Save()
}

// Cancel removes a job from the queue or active table. No retry follows a
// cancellation. Returns false if no such job exists.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	for i, j := range q.pending {
		if j.ID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			j.Status = domain.StatusCancelled
			q.mu.Unlock()
			q.publish(Event{Type: EventRemoved, Job: j})
			_ = q.Save()
			return true
		}
	}
	if j, ok := q.active[jobID]; ok {
		delete(q.active, jobID)
		j.Status = domain.StatusCancelled
		q.mu.Unlock()
		q.publish(Event{Type: EventRemoved, Job: j})
		_ = q.Save()
		return true
	}
	q.mu.Unlock()
	return false
}

// UpdateProgress applies a progress/telemetry snapshot to an active job.
func (q *Queue) UpdateProgress(jobID string, progress, currentTime, speed float64, pid int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.active[jobID]
	if !ok {
		return
	}
	if progress > 99 {
		progress = 99
	}
	job.Progress = progress
	job.CurrentTimeSeconds = currentTime
	job.SpeedMultiplier = speed
	job.PID = pid
}

// Active returns a snapshot of jobs currently occupying a worker slot.
func (q *Queue) Active() []*domain.TranscodeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.TranscodeJob, 0, len(q.active))
	for _, j := range q.active {
		out = append(out, j.Clone())
	}
	return out
}

// Pending returns a snapshot of the pending queue, priority order.
func (q *Queue) Pending() []*domain.TranscodeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.TranscodeJob, len(q.pending))
	for i, j := range q.pending {
		out[i] = j.Clone()
	}
	return out
}

// Completed returns a snapshot of the bounded completion history.
func (q *Queue) Completed() []*domain.TranscodeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.TranscodeJob, len(q.completed))
	for i, j := range q.completed {
		out[i] = j.Clone()
	}
	return out
}

// IsRunning, IsPaused report the control bits.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isRunning
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isPaused
}

// SetRunning, SetPaused update the control bits and persist immediately.
func (q *Queue) SetRunning(running bool) {
	q.mu.Lock()
	q.isRunning = running
	q.mu.Unlock()
	_ = q.Save()
}

func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	q.isPaused = paused
	q.mu.Unlock()
	_ = q.Save()
}

// RequeueActive moves every active job back to the head of the pending
// queue with progress cleared — used by pause() and stop() (spec.md §4.7).
func (q *Queue) RequeueActive() []*domain.TranscodeJob {
	q.mu.Lock()
	requeued := make([]*domain.TranscodeJob, 0, len(q.active))
	for _, job := range q.active {
		job.Status = domain.StatusPending
		job.Progress = 0
		job.StartedAt = nil
		job.PID = 0
		requeued = append(requeued, job)
	}
	q.active = make(map[string]*domain.TranscodeJob)
	q.pending = append(requeued, q.pending...)
	sortByPriorityDesc(q.pending)
	q.mu.Unlock()

	_ = q.Save()
	return requeued
}

// MoveToTop, MoveUp, MoveDown implement the single-job reorder operations.
func (q *Queue) MoveToTop(jobID string) error {
	return q.reorderWith(jobID, func(jobs []*domain.TranscodeJob, idx int) []*domain.TranscodeJob {
		job := jobs[idx]
		jobs = append(jobs[:idx], jobs[idx+1:]...)
		return append([]*domain.TranscodeJob{job}, jobs...)
	})
}

func (q *Queue) MoveUp(jobID string) error {
	return q.reorderWith(jobID, func(jobs []*domain.TranscodeJob, idx int) []*domain.TranscodeJob {
		if idx == 0 {
			return jobs
		}
		jobs[idx-1], jobs[idx] = jobs[idx], jobs[idx-1]
		return jobs
	})
}

func (q *Queue) MoveDown(jobID string) error {
	return q.reorderWith(jobID, func(jobs []*domain.TranscodeJob, idx int) []*domain.TranscodeJob {
		if idx == len(jobs)-1 {
			return jobs
		}
		jobs[idx], jobs[idx+1] = jobs[idx+1], jobs[idx]
		return jobs
	})
}

func (q *Queue) reorderWith(jobID string, mutate func([]*domain.TranscodeJob, int) []*domain.TranscodeJob) error {
	q.mu.Lock()
	idx := -1
	for i, j := range q.pending {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found in pending queue", jobID)
	}
	q.pending = mutate(q.pending, idx)
	// Manual reorder operations express explicit intent; re-derive
	// priorities from position so a later priority-sort pass doesn't
	// silently undo them.
	assignPositionalPriority(q.pending)
	q.mu.Unlock()

	q.publish(Event{Type: EventReordered})
	return q.Save()
}

// Reorder replaces the pending queue order wholesale given a full id list.
// Unknown ids reject the entire operation (spec.md §4.4).
func (q *Queue) Reorder(ids []string) error {
	q.mu.Lock()
	byID := make(map[string]*domain.TranscodeJob, len(q.pending))
	for _, j := range q.pending {
		byID[j.ID] = j
	}
	if len(ids) != len(byID) {
		q.mu.Unlock()
		return fmt.Errorf("reorder id list length %d does not match pending queue length %d", len(ids), len(byID))
	}
	reordered := make([]*domain.TranscodeJob, 0, len(ids))
	for _, id := range ids {
		job, ok := byID[id]
		if !ok {
			q.mu.Unlock()
			return fmt.Errorf("reorder references unknown job id %q", id)
		}
		reordered = append(reordered, job)
	}
	q.pending = reordered
	assignPositionalPriority(q.pending)
	q.mu.Unlock()

	q.publish(Event{Type: EventReordered})
	return q.Save()
}

// assignPositionalPriority must be called with mu held. It gives earlier
// positions strictly higher priority so the priority-descending invariant
// (spec.md §8 property 8) stays consistent with an explicit manual order.
func assignPositionalPriority(jobs []*domain.TranscodeJob) {
	n := len(jobs)
	for i, job := range jobs {
		job.Priority = int64(n - i)
	}
}

// RemoveJobs deletes pending jobs by id, ignoring ids that are not pending.
func (q *Queue) RemoveJobs(ids []string) {
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}

	q.mu.Lock()
	kept := q.pending[:0:0]
	var removed []*domain.TranscodeJob
	for _, j := range q.pending {
		if remove[j.ID] {
			removed = append(removed, j)
			continue
		}
		kept = append(kept, j)
	}
	q.pending = kept
	q.mu.Unlock()

	for _, j := range removed {
		q.publish(Event{Type: EventRemoved, Job: j})
	}
	_ = q.Save()
}

// RemoveDuplicates runs the centralized de-duplication pass on demand and
// reports how many jobs were dropped.
func (q *Queue) RemoveDuplicates() int {
	q.mu.Lock()
	before := len(q.pending)
	q.pending = dedupeByFilename(q.pending)
	sortByPriorityDesc(q.pending)
	after := len(q.pending)
	q.mu.Unlock()

	_ = q.Save()
	return before - after
}
