package domain

import (
	"context"
	"time"
)

// HardwarePlan describes the decoder/encoder argument set chosen for one
// transcode attempt, and whether that attempt may lean on GPU acceleration
// at all.
type HardwarePlan struct {
	Acceleration       string
	DecoderArgs        []string
	EncoderArgs        []string
	SupportsHEVC       bool
	MaxConcurrentHint  int
}

// HardwareProvider abstracts hardware-acceleration discovery so the
// supervisor and transcoder never shell out to ffmpeg directly to ask what
// the host supports.
type HardwareProvider interface {
	// Plan returns the best available plan for the given stream, or a
	// software-only plan if no accelerator is usable.
	Plan(ctx context.Context, stream *StreamInfo) (HardwarePlan, error)

	// Disable marks hardware acceleration unusable for the remainder of the
	// process lifetime, e.g. after a hardware-specific encode failure.
	Disable()

	// Disabled reports whether Disable has been called.
	Disabled() bool
}

// MetadataStore is the persistence boundary for durable job/media records
// that outlive the in-memory queue, typically backed by SQLite.
type MetadataStore interface {
	RecordCompleted(ctx context.Context, job *TranscodeJob, stream *StreamInfo) error
	RecordFailed(ctx context.Context, job *TranscodeJob) error
	RemoveRecord(ctx context.Context, outputDir string) error
	Close() error
}

// WatchEventType classifies a filesystem change reported by a Watcher.
type WatchEventType int

const (
	WatchEventCreated WatchEventType = iota
	WatchEventRemoved
	WatchEventRenamed
)

// WatchEvent is one filesystem change under a watched library root.
type WatchEvent struct {
	Type WatchEventType
	Path string
	Time time.Time
}

// Watcher abstracts filesystem change notification for the library roots the
// engine scans, so the supervisor can enqueue new sources without a polling
// rescan.
type Watcher interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan WatchEvent
	Errors() <-chan error
}
