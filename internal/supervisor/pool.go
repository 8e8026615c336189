// Package supervisor owns the bounded worker pool, the pause/resume/stop
// state machine, the boot sequence, and the cheap stats snapshot the
// administrative surface polls (spec.md §4.7).
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hollowcrest/pretranscode/internal/domain"
	"github.com/hollowcrest/pretranscode/internal/queue"
)

// State is one of the pool's three lifecycle states.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// defaultDuration is the fallback remaining-time estimate for a job whose
// container duration could not be probed (spec.md §4.7 Stats).
const defaultDuration = 2 * time.Hour

// diskUsageRefreshInterval bounds how often Stats recomputes the disk-usage
// string in the background (spec.md §9: "keep the 10-minute background
// refresh with stale reads; never block a stats call on it").
const diskUsageRefreshInterval = 10 * time.Minute

// Runner executes one job's full pipeline. internal/transcoder.Transcoder
// satisfies this; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, sourcePath, outputDir string) error
}

// Terminator lets the pool reach a Runner's in-flight child process
// directly, keyed by the job's output directory. internal/transcoder.
// Transcoder satisfies this; a Runner that doesn't is still usable, it just
// falls back to ctx cancellation alone (spec.md §4.7 step 5).
type Terminator interface {
	Terminate(outputDir string)
	Kill(outputDir string)
}

// Pool is the bounded worker pool described in spec.md §4.7. It owns no
// persistence of its own: the Queue is the single source of truth for
// pending/active/completed jobs.
type Pool struct {
	queue     *queue.Queue
	runner    Runner
	size      int
	autoStart bool
	hardware  domain.HardwareProvider
	metastore domain.MetadataStore

	mu           sync.Mutex
	state        State
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	interrupting atomic.Bool

	diskUsageMu   sync.Mutex
	diskUsagePath string
	diskUsage     string
	diskUsageAt   time.Time
}

// Config bundles Pool's construction-time dependencies.
type Config struct {
	Queue         *queue.Queue
	Runner        Runner
	Size          int
	AutoStart     bool
	Hardware      domain.HardwareProvider
	Metastore     domain.MetadataStore
	DiskUsagePath string
}

// New returns a Pool in the stopped state.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 2
	}
	return &Pool{
		queue:         cfg.Queue,
		runner:        cfg.Runner,
		size:          size,
		autoStart:     cfg.AutoStart,
		hardware:      cfg.Hardware,
		metastore:     cfg.Metastore,
		diskUsagePath: cfg.DiskUsagePath,
		state:         StateStopped,
	}
}

// Boot implements spec.md §4.7's boot sequence. watcherStart is invoked
// after the 10s settle delay; it is a callback rather than a concrete
// Watcher dependency so tests can skip real filesystem watching.
func (p *Pool) Boot(ctx context.Context, watcherStart func()) {
	p.queue.StartAutoSave()
	p.syncMetadata(ctx)

	shouldAutoResume := p.autoStart && !p.queue.IsPaused() && (len(p.queue.Pending())+len(p.queue.Active()) > 0)

	go func() {
		if shouldAutoResume {
			select {
			case <-time.After(5 * time.Second):
				p.Start(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		select {
		case <-time.After(10 * time.Second):
			if watcherStart != nil {
				watcherStart()
			}
		case <-ctx.Done():
		}
	}()
}

// syncMetadata runs the DB-sync routine: every job in the queue's
// completed history is recorded as completed in the metadata store.
// Output directories on disk that are not in that history are not
// examined. A nil metastore is a valid no-op configuration for standalone
// use.
func (p *Pool) syncMetadata(ctx context.Context) {
	if p.metastore == nil {
		return
	}
	for _, job := range p.queue.Completed() {
		if err := p.metastore.RecordCompleted(ctx, job, nil); err != nil {
			continue
		}
	}
}

// Start transitions stopped|paused -> running and spawns N workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	p.state = StateRunning
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.queue.SetRunning(true)
	p.queue.SetPaused(false)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
	return nil
}

// Pause signals every active worker to terminate its child gracefully,
// re-queues interrupted jobs at the head of the pending queue, and clears
// the active table.
func (p *Pool) Pause() {
	p.transitionDown(StatePaused, false)
}

// Stop force-kills active children and transitions to stopped.
func (p *Pool) Stop() {
	p.transitionDown(StateStopped, true)
}

func (p *Pool) transitionDown(target State, hardKill bool) {
	p.interrupting.Store(true)

	p.mu.Lock()
	cancel := p.cancel
	p.state = target
	p.mu.Unlock()

	p.signalActive(hardKill)
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.interrupting.Store(false)

	p.queue.RequeueActive()
	p.queue.SetRunning(target == StateRunning)
	p.queue.SetPaused(target == StatePaused)
}

// signalActive reaches every in-flight job's child process directly: a
// graceful pause sends SIGTERM, a hard stop sends SIGKILL. A Runner that
// doesn't implement Terminator relies on ctx cancellation alone.
func (p *Pool) signalActive(hardKill bool) {
	term, ok := p.runner.(Terminator)
	if !ok {
		return
	}
	for _, job := range p.queue.Active() {
		if hardKill {
			term.Kill(job.OutputDir)
		} else {
			term.Terminate(job.OutputDir)
		}
	}
}

// Resume transitions paused -> running if the queue is non-empty.
func (p *Pool) Resume(ctx context.Context) error {
	if len(p.queue.Pending()) == 0 {
		return fmt.Errorf("cannot resume: queue is empty")
	}
	return p.Start(ctx)
}

func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// workerLoop implements the per-worker steps of spec.md §4.7.
func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.interrupting.Load() {
			return
		}

		job := p.queue.Dequeue()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		err := p.runner.Run(ctx, job.SourcePath, job.OutputDir)
		if err != nil {
			if p.interrupting.Load() {
				// A deliberate pause/stop asked this job's child to exit.
				// transitionDown's RequeueActive puts it back at the head
				// with no retry bump once wg.Wait unblocks; it is not a
				// crash.
				continue
			}
			terminal := job.RetryCount >= domain.MaxRetries || !domain.IsRetryable(err)
			p.queue.FailJob(job.ID, err)
			if terminal {
				p.recordFailed(ctx, job)
			}
			continue
		}

		p.queue.CompleteJob(job.ID)
		p.recordCompleted(ctx, job)
	}
}

func (p *Pool) recordCompleted(ctx context.Context, job *domain.TranscodeJob) {
	if p.metastore == nil {
		return
	}
	_ = p.metastore.RecordCompleted(ctx, job, nil)
}

func (p *Pool) recordFailed(ctx context.Context, job *domain.TranscodeJob) {
	if p.metastore == nil {
		return
	}
	_ = p.metastore.RecordFailed(ctx, job)
}

// Stats is the cheap snapshot spec.md §4.7 describes; the UI polls it every
// few seconds, so disk usage is served from a cache refreshed in the
// background at most every 10 minutes.
type Stats struct {
	Pending         int
	Active          []*domain.TranscodeJob
	Completed       int
	MaxConcurrency  int
	IsRunning       bool
	IsPaused        bool
	EstimatedRemain time.Duration
	DiskUsage       string
}

func (p *Pool) GetStats() Stats {
	active := p.queue.Active()
	pending := p.queue.Pending()

	var remaining time.Duration
	for _, job := range active {
		speed := job.SpeedMultiplier
		if speed <= 0 {
			speed = 1
		}
		remainSeconds := job.EstimatedDurationSec - job.CurrentTimeSeconds
		if remainSeconds <= 0 {
			remainSeconds = defaultDuration.Seconds()
		}
		remaining += time.Duration(remainSeconds/speed) * time.Second
	}

	workers := p.size
	if workers <= 0 {
		workers = 1
	}
	avgPerJob := defaultDuration
	remaining += time.Duration(len(pending)) * avgPerJob / time.Duration(workers)

	return Stats{
		Pending:         len(pending),
		Active:          active,
		Completed:       len(p.queue.Completed()),
		MaxConcurrency:  p.size,
		IsRunning:       p.State() == StateRunning,
		IsPaused:        p.State() == StatePaused,
		EstimatedRemain: remaining,
		DiskUsage:       p.cachedDiskUsage(),
	}
}

func (p *Pool) cachedDiskUsage() string {
	p.diskUsageMu.Lock()
	stale := time.Since(p.diskUsageAt) > diskUsageRefreshInterval
	cached := p.diskUsage
	p.diskUsageMu.Unlock()

	if stale && p.diskUsagePath != "" {
		go p.refreshDiskUsage()
	}
	return cached
}

func (p *Pool) refreshDiskUsage() {
	size, err := duBytes(p.diskUsagePath)
	if err != nil {
		return
	}
	p.diskUsageMu.Lock()
	p.diskUsage = humanize.Bytes(size)
	p.diskUsageAt = time.Now()
	p.diskUsageMu.Unlock()
}

// duBytes shells out to `du` rather than walking the tree in-process: the
// transcoded root can hold thousands of small segment files and the system
// `du` is both faster and already accounts for sparse/hardlinked files.
func duBytes(path string) (uint64, error) {
	out, err := exec.Command("du", "-sb", path).Output()
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected du output")
	}
	var bytes uint64
	if _, err := fmt.Sscanf(fields[0], "%d", &bytes); err != nil {
		return 0, err
	}
	return bytes, nil
}
