package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestScanMissingRootsAreNotErrors(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent-films"), filepath.Join(t.TempDir(), "absent-series"))
	candidates, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan returned error for missing roots: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestScanFiltersExtensionsAndInterleaves(t *testing.T) {
	filmsRoot := t.TempDir()
	seriesRoot := t.TempDir()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	touch(t, filepath.Join(filmsRoot, "old.mkv"), base)
	touch(t, filepath.Join(filmsRoot, "new.mp4"), base.Add(2*time.Hour))
	touch(t, filepath.Join(filmsRoot, "ignore.txt"), base.Add(3*time.Hour))

	touch(t, filepath.Join(seriesRoot, "show.S01E01.mkv"), base.Add(time.Hour))

	s := New(filmsRoot, seriesRoot)
	candidates, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %+v", len(candidates), candidates)
	}

	if filepath.Base(candidates[0].Path) != "new.mp4" {
		t.Errorf("expected newest film first, got %s", candidates[0].Path)
	}
	if filepath.Base(candidates[1].Path) != "show.S01E01.mkv" {
		t.Errorf("expected interleaved episode second, got %s", candidates[1].Path)
	}
	if filepath.Base(candidates[2].Path) != "old.mkv" {
		t.Errorf("expected older film third, got %s", candidates[2].Path)
	}
}

func TestScanRecursesNestedDirectories(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	touch(t, filepath.Join(nested, "deep.webm"), time.Now())

	s := New(root, "")
	candidates, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
}
