// Package layout derives deterministic output directories from source
// paths, and tells films apart from episodes.
package layout

import (
	"path/filepath"
	"regexp"
	"strings"
)

// episodePattern matches the case-insensitive "S01E02" style season/episode
// marker anywhere in a filename.
var episodePattern = regexp.MustCompile(`(?i)S\d{1,2}E\d{1,2}`)

// unsafeChar matches anything outside the allow-list spec.md §4.2 defines
// for safe_name: letters, digits, whitespace, -_.()[] and common accented
// letters.
var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9\s\-_.()\[\]` +
	`À-ÖØ-öø-ÿ]`)

// Layout derives output directories under a single transcoded root.
type Layout struct {
	TranscodedRoot string
	SeriesRoot     string
}

// New returns a Layout rooted at transcodedRoot, using seriesRoot to decide
// whether a source path lives in the series tree.
func New(transcodedRoot, seriesRoot string) *Layout {
	return &Layout{TranscodedRoot: transcodedRoot, SeriesRoot: seriesRoot}
}

// IsEpisode reports whether sourcePath should be treated as a TV episode:
// its filename matches the S01E02 pattern, or it lives under the series
// root.
func (l *Layout) IsEpisode(sourcePath string) bool {
	if episodePattern.MatchString(filepath.Base(sourcePath)) {
		return true
	}
	if l.SeriesRoot == "" {
		return false
	}
	rel, err := filepath.Rel(l.SeriesRoot, sourcePath)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// OutputDir maps a source path to its deterministic output directory. The
// function is total, pure, and never escapes TranscodedRoot.
func (l *Layout) OutputDir(sourcePath string) string {
	name := SafeName(sourcePath)
	if l.IsEpisode(sourcePath) {
		return filepath.Join(l.TranscodedRoot, "series", name)
	}
	return filepath.Join(l.TranscodedRoot, name)
}

// SafeName returns the basename of sourcePath without its extension, with
// every character outside the allow-list replaced by an underscore.
func SafeName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return unsafeChar.ReplaceAllString(base, "_")
}
