// Package cleanup removes interrupted or incomplete transcoded output
// directories, per spec.md §4.5.
package cleanup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hollowcrest/pretranscode/internal/inspector"
)

// Cleaner sweeps a transcoded root for interrupted or incomplete output
// directories.
type Cleaner struct {
	TranscodedRoot string
}

// New returns a Cleaner rooted at transcodedRoot.
func New(transcodedRoot string) *Cleaner {
	return &Cleaner{TranscodedRoot: transcodedRoot}
}

// Interrupted deletes any output directory that still holds a
// `.transcoding` lock (meaning the process died mid-encode). Run once at
// startup; the caller must re-scan afterward so the affected sources
// re-enter the queue.
func (c *Cleaner) Interrupted() ([]string, error) {
	var removed []string

	entries, err := readDirs(c.TranscodedRoot)
	if err != nil {
		return nil, err
	}
	for _, dir := range entries {
		if isLocked(dir) {
			if err := os.RemoveAll(dir); err != nil {
				return removed, err
			}
			removed = append(removed, dir)
		}
	}

	seriesDir := filepath.Join(c.TranscodedRoot, "series")
	seriesEntries, err := readDirs(seriesDir)
	if err != nil {
		return removed, err
	}
	for _, dir := range seriesEntries {
		if isLocked(dir) {
			if err := os.RemoveAll(dir); err != nil {
				return removed, err
			}
			removed = append(removed, dir)
		}
	}
	return removed, nil
}

// Result is the outcome of Incomplete: which directories were promoted to
// done and kept, and which were deleted as unsalvageable.
type Result struct {
	Kept    []string
	Cleaned []string
}

// Incomplete runs the same interrupted sweep, then for every remaining
// directory without `.done`: promotes it if its playlist is valid and has
// enough segments, otherwise deletes it (spec.md §4.5b). Returned paths are
// relative to the transcoded root; episodes are prefixed "series/".
func (c *Cleaner) Incomplete() (Result, error) {
	var result Result

	if _, err := c.Interrupted(); err != nil {
		return result, err
	}

	walk := func(base, prefix string) error {
		dirs, err := readDirs(base)
		if err != nil {
			return err
		}
		for _, dir := range dirs {
			rel := prefix + filepath.Base(dir)
			if hasDoneMarker(dir) {
				continue
			}
			if promotable(dir) {
				if err := inspector.WriteDoneMarker(dir); err != nil {
					return err
				}
				result.Kept = append(result.Kept, rel)
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			result.Cleaned = append(result.Cleaned, rel)
		}
		return nil
	}

	if err := walk(c.TranscodedRoot, ""); err != nil {
		return result, err
	}
	if err := walk(filepath.Join(c.TranscodedRoot, "series"), "series/"); err != nil {
		return result, err
	}

	return result, nil
}

func promotable(dir string) bool {
	playlist, ok := inspector.BestPlaylist(dir)
	if !ok {
		return false
	}
	return strings.Contains(playlist, "#EXT-X-ENDLIST") && inspector.CountSegmentRefs(playlist) >= inspector.MinSegmentsForDone
}

func isLocked(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".transcoding"))
	return err == nil
}

func hasDoneMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".done"))
	return err == nil
}

// readDirs lists immediate subdirectories of root, skipping the "series"
// directory itself (walked separately) and any non-directory entry. A
// missing root is not an error.
func readDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == "series" && filepath.Base(root) != "series" {
			continue
		}
		dirs = append(dirs, filepath.Join(root, e.Name()))
	}
	return dirs, nil
}
