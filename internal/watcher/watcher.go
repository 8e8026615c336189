// Package watcher is the fsnotify-backed reference implementation of
// domain.Watcher: it watches the library roots for new/removed/renamed
// source files so the supervisor can enqueue without a polling rescan,
// debouncing the burst of Write events a slow copy or download produces
// before a file is actually complete.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

// settleDelay is how long a path must go quiet before its event fires, so a
// multi-second file copy doesn't enqueue a half-written source. Tests
// override this to keep runs fast.
var settleDelay = 5 * time.Second

// videoExtensions mirrors the scanner's source-file filter; kept local so
// the watcher doesn't enqueue events for subtitle or artwork drops.
var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
}

// Watcher watches a set of library roots and reports settled file events.
type Watcher struct {
	roots []string

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	pending  map[string]*time.Timer
	events   chan domain.WatchEvent
	errors   chan error
	stopOnce sync.Once
	stop     chan struct{}
	running  bool
}

// New returns a Watcher over the given library roots.
func New(roots []string) *Watcher {
	return &Watcher{
		roots:   roots,
		pending: make(map[string]*time.Timer),
		events:  make(chan domain.WatchEvent, 64),
		errors:  make(chan error, 16),
		stop:    make(chan struct{}),
	}
}

// Start begins watching. It is safe to call once; a second call is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	for _, root := range w.roots {
		if err := fsw.Add(root); err != nil {
			_ = fsw.Close()
			w.mu.Unlock()
			return fmt.Errorf("watcher: watch %s: %w", root, err)
		}
	}
	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

// Stop releases the underlying fsnotify watcher and any pending debounce
// timers.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false

	w.stopOnce.Do(func() { close(w.stop) })
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)

	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}

// Events returns the channel of settled filesystem changes.
func (w *Watcher) Events() <-chan domain.WatchEvent { return w.events }

// Errors returns the channel of watcher-level errors (not per-event).
func (w *Watcher) Errors() <-chan error { return w.errors }

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isVideoFile(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.debounce(event.Name, domain.WatchEventCreated)
	case event.Op&fsnotify.Remove != 0:
		w.cancelPending(event.Name)
		w.emit(domain.WatchEvent{Type: domain.WatchEventRemoved, Path: event.Name, Time: time.Now()})
	case event.Op&fsnotify.Rename != 0:
		w.cancelPending(event.Name)
		w.emit(domain.WatchEvent{Type: domain.WatchEventRenamed, Path: event.Name, Time: time.Now()})
	}
}

// debounce restarts a per-path settle timer on every Create/Write event for
// that path; the event only fires once the path has gone quiet for
// settleDelay and still exists and is non-empty.
func (w *Watcher) debounce(path string, eventType domain.WatchEventType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if settled(path) {
			w.emit(domain.WatchEvent{Type: eventType, Path: path, Time: time.Now()})
		}
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) emit(evt domain.WatchEvent) {
	select {
	case w.events <- evt:
	default:
		// A full buffer means the consumer is behind; the event is dropped
		// and not re-delivered, so the file is only picked up by a later
		// library scan (nothing rescans periodically).
	}
}

// settled reports whether path exists, is a regular file, and has a
// non-zero size; it does not guarantee the writer has finished, only that
// debounce's quiet window was not itself just the writer stalling mid-copy
// on a zero-byte placeholder.
func settled(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}

func isVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}
