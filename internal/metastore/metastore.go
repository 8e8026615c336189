// Package metastore is the SQLite-backed domain.MetadataStore that keeps
// durable completed/failed transcode records which outlive the in-memory
// queue. The library scan does not consult it.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

// Store is the reference domain.MetadataStore implementation.
type Store struct {
	db *sql.DB
}

// Options configures the underlying SQLite connection.
type Options struct {
	BusyTimeout time.Duration
}

// Open opens (and, on first run, migrates) the metadata database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: enable WAL: %w", err)
	}
	busyTimeoutMs := int(opts.BusyTimeout / time.Millisecond)
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: set busy_timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcodes (
			output_dir        TEXT PRIMARY KEY,
			source_path       TEXT NOT NULL,
			filename          TEXT NOT NULL,
			status            TEXT NOT NULL,
			duration_seconds  REAL DEFAULT 0,
			video_codec       TEXT,
			width             INTEGER DEFAULT 0,
			height            INTEGER DEFAULT 0,
			audio_track_count INTEGER DEFAULT 0,
			error_message     TEXT,
			completed_at      TIMESTAMP,
			updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("metastore: migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCompleted upserts a completed job's durable record. stream may be
// nil when the caller only has the job's own bookkeeping (e.g. the boot
// sequence reconciling a pre-existing completion).
func (s *Store) RecordCompleted(ctx context.Context, job *domain.TranscodeJob, stream *domain.StreamInfo) error {
	var codec string
	var width, height, audioCount int
	var duration float64
	if stream != nil {
		codec = stream.VideoCodec
		width = stream.Width
		height = stream.Height
		audioCount = stream.AudioCount()
		duration = stream.Duration
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcodes (
			output_dir, source_path, filename, status, duration_seconds,
			video_codec, width, height, audio_track_count, error_message,
			completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(output_dir) DO UPDATE SET
			status            = excluded.status,
			duration_seconds  = CASE WHEN excluded.duration_seconds > 0 THEN excluded.duration_seconds ELSE transcodes.duration_seconds END,
			video_codec       = CASE WHEN excluded.video_codec != '' THEN excluded.video_codec ELSE transcodes.video_codec END,
			width             = CASE WHEN excluded.width > 0 THEN excluded.width ELSE transcodes.width END,
			height            = CASE WHEN excluded.height > 0 THEN excluded.height ELSE transcodes.height END,
			audio_track_count = CASE WHEN excluded.audio_track_count > 0 THEN excluded.audio_track_count ELSE transcodes.audio_track_count END,
			error_message     = '',
			completed_at      = CURRENT_TIMESTAMP,
			updated_at        = CURRENT_TIMESTAMP
	`,
		job.OutputDir, job.SourcePath, job.Filename, string(domain.StatusCompleted), duration,
		codec, width, height, audioCount,
	)
	if err != nil {
		return fmt.Errorf("metastore: record completed %s: %w", job.OutputDir, err)
	}
	return nil
}

// RecordFailed upserts a terminal-failure record so reconciliation can
// surface it without replaying the job.
func (s *Store) RecordFailed(ctx context.Context, job *domain.TranscodeJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcodes (output_dir, source_path, filename, status, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(output_dir) DO UPDATE SET
			status        = excluded.status,
			error_message = excluded.error_message,
			updated_at    = CURRENT_TIMESTAMP
	`, job.OutputDir, job.SourcePath, job.Filename, string(domain.StatusFailed), job.Error)
	if err != nil {
		return fmt.Errorf("metastore: record failed %s: %w", job.OutputDir, err)
	}
	return nil
}

// RemoveRecord deletes the record for an output directory, called when an
// admin deletes a transcoded asset (spec.md §6 admin control surface).
func (s *Store) RemoveRecord(ctx context.Context, outputDir string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcodes WHERE output_dir = ?`, outputDir)
	if err != nil {
		return fmt.Errorf("metastore: remove record %s: %w", outputDir, err)
	}
	return nil
}

// Record is the durable row shape returned by listing queries.
type Record struct {
	OutputDir       string
	SourcePath      string
	Filename        string
	Status          string
	DurationSeconds float64
	VideoCodec      string
	Width           int
	Height          int
	AudioTrackCount int
	ErrorMessage    string
	CompletedAt     sql.NullTime
	UpdatedAt       time.Time
}

// ListCompleted returns every record currently marked completed. The
// engine's ListTranscoded walks the filesystem instead, and the boot
// sequence's DB sync does not call it.
func (s *Store) ListCompleted(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output_dir, source_path, filename, status, duration_seconds,
		       video_codec, width, height, audio_track_count, error_message,
		       completed_at, updated_at
		FROM transcodes
		WHERE status = ?
		ORDER BY filename
	`, string(domain.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("metastore: list completed: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.OutputDir, &r.SourcePath, &r.Filename, &r.Status, &r.DurationSeconds,
			&r.VideoCodec, &r.Width, &r.Height, &r.AudioTrackCount, &r.ErrorMessage,
			&r.CompletedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("metastore: scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metastore: iterate records: %w", err)
	}
	return records, nil
}

// Has reports whether a record exists for the given output directory,
// regardless of status.
func (s *Store) Has(ctx context.Context, outputDir string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcodes WHERE output_dir = ?`, outputDir).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("metastore: check existence %s: %w", outputDir, err)
	}
	return count > 0, nil
}
