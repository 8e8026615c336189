// Package pretranscode provides a pre-transcoding engine for a personal
// media server: it scans film and series libraries, queues newly found
// sources for HLS packaging, and supervises a bounded pool of ffmpeg
// workers to produce demuxed multi-rendition HLS assets on disk.
//
// # Basic usage
//
//	engine := pretranscode.NewEngine(pretranscode.Options{
//	    FilmsRoot:      "/media/films",
//	    SeriesRoot:     "/media/series",
//	    TranscodedRoot: "/media/transcoded",
//	    Hardware:       hwaccel.New(""),
//	})
//
//	if err := engine.Boot(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	engine.ScanAndQueue()
package pretranscode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hollowcrest/pretranscode/internal/cleanup"
	"github.com/hollowcrest/pretranscode/internal/domain"
	"github.com/hollowcrest/pretranscode/internal/inspector"
	"github.com/hollowcrest/pretranscode/internal/layout"
	"github.com/hollowcrest/pretranscode/internal/queue"
	"github.com/hollowcrest/pretranscode/internal/scanner"
	"github.com/hollowcrest/pretranscode/internal/supervisor"
	"github.com/hollowcrest/pretranscode/internal/transcoder"
)

// Options configures the Engine. FilmsRoot, TranscodedRoot, and Hardware
// are required; Engine panics on construction if they are missing.
type Options struct {
	FilmsRoot      string
	SeriesRoot     string
	TranscodedRoot string

	// Hardware is required. The core never imports a concrete provider.
	Hardware domain.HardwareProvider

	// Metastore and Watcher are optional collaborators; a nil Metastore
	// disables DB sync, a nil Watcher disables live filesystem watching
	// (ScanAndQueue remains available either way; the engine runs no
	// periodic scan).
	Metastore domain.MetadataStore
	Watcher   domain.Watcher

	MaxConcurrent int
	AutoStart     bool
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
}

func (o *Options) validate() {
	if o.FilmsRoot == "" {
		panic("pretranscode: FilmsRoot is required")
	}
	if o.TranscodedRoot == "" {
		panic("pretranscode: TranscodedRoot is required")
	}
	if o.Hardware == nil {
		panic("pretranscode: Hardware is required")
	}
}

// Engine is the single owned instance of the pre-transcoding system: one
// queue, one worker pool, one layout, created by the caller's boot routine
// (never a package-level singleton).
type Engine struct {
	opts      Options
	layout    *layout.Layout
	scanner   *scanner.Scanner
	cleaner   *cleanup.Cleaner
	inspector *inspector.Inspector
	queue     *queue.Queue
	pool      *supervisor.Pool
}

// NewEngine constructs an Engine. It panics if required options are
// missing; call Boot to start background processing.
func NewEngine(opts Options) *Engine {
	opts.validate()
	opts.setDefaults()

	l := layout.New(opts.TranscodedRoot, opts.SeriesRoot)
	q := queue.New(queueStatePath(opts.TranscodedRoot))

	pool := supervisor.New(supervisor.Config{
		Queue:         q,
		Runner:        transcoder.New(opts.Hardware),
		Size:          opts.MaxConcurrent,
		AutoStart:     opts.AutoStart,
		Hardware:      opts.Hardware,
		Metastore:     opts.Metastore,
		DiskUsagePath: opts.TranscodedRoot,
	})

	return &Engine{
		opts:      opts,
		layout:    l,
		scanner:   scanner.New(opts.FilmsRoot, opts.SeriesRoot),
		cleaner:   cleanup.New(opts.TranscodedRoot),
		inspector: inspector.New(),
		queue:     q,
		pool:      pool,
	}
}

func queueStatePath(transcodedRoot string) string {
	return filepath.Join(transcodedRoot, "queue-state.json")
}

// Boot implements the spec's boot sequence: create the transcoded root, load
// persisted queue state, sweep interrupted and incomplete output, re-scan
// the library when either sweep removed directories, then hand off to the
// worker pool's own auto-save/DB-sync/settle-delay sequence.
func (e *Engine) Boot(ctx context.Context) error {
	if err := os.MkdirAll(e.opts.TranscodedRoot, 0o755); err != nil {
		return fmt.Errorf("engine: create transcoded root: %w", err)
	}
	if err := e.queue.Load(); err != nil {
		return fmt.Errorf("engine: load queue state: %w", err)
	}

	removed, err := e.cleaner.Interrupted()
	if err != nil {
		return fmt.Errorf("engine: sweep interrupted output: %w", err)
	}
	result, err := e.cleaner.Incomplete()
	if err != nil {
		return fmt.Errorf("engine: sweep incomplete output: %w", err)
	}
	if len(removed) > 0 || len(result.Cleaned) > 0 {
		if err := e.ScanAndQueue(); err != nil {
			return fmt.Errorf("engine: rescan after cleanup: %w", err)
		}
	}

	var watcherStart func()
	if e.opts.Watcher != nil {
		watcherStart = func() {
			if err := e.opts.Watcher.Start(ctx); err != nil {
				return
			}
			go e.drainWatcher(ctx)
		}
	}
	e.pool.Boot(ctx, watcherStart)
	return nil
}

func (e *Engine) drainWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-e.opts.Watcher.Events():
			if !ok {
				return
			}
			if evt.Type == domain.WatchEventCreated {
				_ = e.Enqueue(evt.Path, true)
			}
		case <-e.opts.Watcher.Errors():
		}
	}
}

// ScanAndQueue walks the library roots and enqueues every candidate not
// already pending, active, or completed.
func (e *Engine) ScanAndQueue() error {
	candidates, err := e.scanner.Scan()
	if err != nil {
		return fmt.Errorf("engine: scan library: %w", err)
	}
	for _, c := range candidates {
		if _, _, err := e.queue.Enqueue(queue.EnqueueInput{
			SourcePath: c.Path,
			Filename:   filepath.Base(c.Path),
			OutputDir:  e.layout.OutputDir(c.Path),
			FileSize:   c.Size,
			MTime:      c.ModTime,
		}, false); err != nil {
			return fmt.Errorf("engine: enqueue %s: %w", c.Path, err)
		}
	}
	return nil
}

// Enqueue adds a single source file, used by the filesystem watcher and by
// an administrative "process this file now" request.
func (e *Engine) Enqueue(sourcePath string, highPriority bool) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("engine: stat %s: %w", sourcePath, err)
	}
	_, _, err = e.queue.Enqueue(queue.EnqueueInput{
		SourcePath: sourcePath,
		Filename:   filepath.Base(sourcePath),
		OutputDir:  e.layout.OutputDir(sourcePath),
		FileSize:   info.Size(),
		MTime:      info.ModTime(),
	}, highPriority)
	return err
}

// Start, Pause, Resume, Stop drive the worker pool's state machine.
func (e *Engine) Start(ctx context.Context) error  { return e.pool.Start(ctx) }
func (e *Engine) Pause()                           { e.pool.Pause() }
func (e *Engine) Resume(ctx context.Context) error { return e.pool.Resume(ctx) }
func (e *Engine) Stop()                            { e.pool.Stop() }

// Cancel removes a pending or active job. No retry follows a cancellation.
func (e *Engine) Cancel(jobID string) bool { return e.queue.Cancel(jobID) }

// MoveToTop, MoveUp, MoveDown, Reorder expose the queue's manual reorder
// operations to the administrative control surface.
func (e *Engine) MoveToTop(jobID string) error { return e.queue.MoveToTop(jobID) }
func (e *Engine) MoveUp(jobID string) error    { return e.queue.MoveUp(jobID) }
func (e *Engine) MoveDown(jobID string) error  { return e.queue.MoveDown(jobID) }
func (e *Engine) Reorder(ids []string) error   { return e.queue.Reorder(ids) }

// RemoveJobs deletes pending jobs by id.
func (e *Engine) RemoveJobs(ids []string) { e.queue.RemoveJobs(ids) }

// RemoveDuplicates runs the de-duplication pass on demand and reports how
// many jobs were dropped.
func (e *Engine) RemoveDuplicates() int { return e.queue.RemoveDuplicates() }

// GetStats returns the cheap polling snapshot.
func (e *Engine) GetStats() supervisor.Stats { return e.pool.GetStats() }

// GetQueue returns the full pending/active/completed snapshot.
type QueueSnapshot struct {
	Pending   []*domain.TranscodeJob
	Active    []*domain.TranscodeJob
	Completed []*domain.TranscodeJob
	IsRunning bool
	IsPaused  bool
}

func (e *Engine) GetQueue() QueueSnapshot {
	return QueueSnapshot{
		Pending:   e.queue.Pending(),
		Active:    e.queue.Active(),
		Completed: e.queue.Completed(),
		IsRunning: e.queue.IsRunning(),
		IsPaused:  e.queue.IsPaused(),
	}
}

// CleanupIncomplete re-runs the cleanup sweep on demand (admin-triggered,
// outside the boot sequence) and returns what it kept/removed.
func (e *Engine) CleanupIncomplete() (cleanup.Result, error) {
	return e.cleaner.Incomplete()
}

// ListTranscoded reports every output directory under the transcoded root
// holding a finished asset, paths relative to the root, episodes prefixed
// "series/". It walks the filesystem directly rather than trusting the
// metadata store, since a `.done` marker is the sole source of truth for
// what the HLS server may serve.
func (e *Engine) ListTranscoded() ([]string, error) {
	var out []string
	walk := func(base, prefix string) error {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == "series" {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			if e.inspector.IsTranscoded(dir) {
				out = append(out, prefix+entry.Name())
			}
		}
		return nil
	}
	if err := walk(e.opts.TranscodedRoot, ""); err != nil {
		return nil, fmt.Errorf("engine: list transcoded: %w", err)
	}
	if err := walk(filepath.Join(e.opts.TranscodedRoot, "series"), "series/"); err != nil {
		return nil, fmt.Errorf("engine: list transcoded: %w", err)
	}
	return out, nil
}

// DeleteTranscoded removes a finished output directory (relative path as
// returned by ListTranscoded) and its durable metadata record.
func (e *Engine) DeleteTranscoded(ctx context.Context, relDir string) error {
	dir := filepath.Join(e.opts.TranscodedRoot, relDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("engine: delete %s: %w", relDir, err)
	}
	if e.opts.Metastore != nil {
		if err := e.opts.Metastore.RemoveRecord(ctx, dir); err != nil {
			return fmt.Errorf("engine: remove metadata record for %s: %w", relDir, err)
		}
	}
	return nil
}

// SetAutoStart toggles whether a future boot auto-resumes the worker pool.
func (e *Engine) SetAutoStart(enabled bool) { e.opts.AutoStart = enabled }
