package metastore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hollowcrest/pretranscode/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestMigrateCreatesTranscodesTable(t *testing.T) {
	store := newTestStore(t)

	var name string
	err := store.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='transcodes'`).Scan(&name)
	if err != nil {
		t.Fatalf("expected transcodes table to exist: %v", err)
	}
}

func TestRecordCompletedThenListCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.TranscodeJob{OutputDir: "/out/movie", SourcePath: "/lib/movie.mkv", Filename: "movie.mkv"}
	stream := &domain.StreamInfo{VideoCodec: "h264", Width: 1920, Height: 1080, Duration: 7200, Audios: []domain.AudioTrack{{SourceIndex: 1}}}

	if err := store.RecordCompleted(ctx, job, stream); err != nil {
		t.Fatalf("RecordCompleted: %v", err)
	}

	records, err := store.ListCompleted(ctx)
	if err != nil {
		t.Fatalf("ListCompleted: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.VideoCodec != "h264" || r.Width != 1920 || r.AudioTrackCount != 1 {
		t.Fatalf("unexpected record contents: %+v", r)
	}
}

func TestRecordCompletedUpsertPreservesPriorDetailOnPartialUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.TranscodeJob{OutputDir: "/out/movie", SourcePath: "/lib/movie.mkv", Filename: "movie.mkv"}
	full := &domain.StreamInfo{VideoCodec: "h264", Width: 1920, Height: 1080, Duration: 7200}
	if err := store.RecordCompleted(ctx, job, full); err != nil {
		t.Fatalf("first RecordCompleted: %v", err)
	}

	// A later sync run with no stream probe re-run (stream == nil) should
	// not blank out the previously recorded codec/resolution.
	if err := store.RecordCompleted(ctx, job, nil); err != nil {
		t.Fatalf("second RecordCompleted: %v", err)
	}

	records, err := store.ListCompleted(ctx)
	if err != nil {
		t.Fatalf("ListCompleted: %v", err)
	}
	if records[0].VideoCodec != "h264" || records[0].Width != 1920 {
		t.Fatalf("expected prior detail preserved, got %+v", records[0])
	}
}

func TestRecordFailedThenRemoveRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &domain.TranscodeJob{OutputDir: "/out/broken", SourcePath: "/lib/broken.mkv", Filename: "broken.mkv", Error: "corrupted"}
	if err := store.RecordFailed(ctx, job); err != nil {
		t.Fatalf("RecordFailed: %v", err)
	}

	has, err := store.Has(ctx, job.OutputDir)
	if err != nil || !has {
		t.Fatalf("expected record to exist, has=%v err=%v", has, err)
	}

	if err := store.RemoveRecord(ctx, job.OutputDir); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}

	has, err = store.Has(ctx, job.OutputDir)
	if err != nil || has {
		t.Fatalf("expected record removed, has=%v err=%v", has, err)
	}
}

func TestHasReportsFalseForUnknownOutputDir(t *testing.T) {
	store := newTestStore(t)
	has, err := store.Has(context.Background(), "/nowhere")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatal("expected false for unknown output dir")
	}
}
