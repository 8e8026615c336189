package cleanup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkfile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func validPlaylist(segments int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i := 0; i < segments; i++ {
		b.WriteString("video_segment")
		b.WriteString(strings.Repeat("0", 1))
		b.WriteString(".ts\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func TestInterruptedDeletesLockedDirectories(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "Movie", ".transcoding"), "2024-01-01T00:00:00Z")
	mkfile(t, filepath.Join(root, "Finished", ".done"), "2024-01-01T00:00:00Z")

	c := New(root)
	removed, err := c.Interrupted()
	require.NoError(t, err)

	assert.Len(t, removed, 1)
	_, err = os.Stat(filepath.Join(root, "Movie"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "Finished"))
	assert.NoError(t, err)
}

func TestInterruptedSweepsSeriesSubtree(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "series", "Show", ".transcoding"), "2024-01-01T00:00:00Z")

	c := New(root)
	removed, err := c.Interrupted()
	require.NoError(t, err)
	assert.Len(t, removed, 1)
}

func TestIncompletePromotesValidPlaylistWithoutDoneMarker(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Movie")
	playlist := "#EXTM3U\n"
	for i := 0; i < 12; i++ {
		playlist += "video_segment" + string(rune('0'+i%10)) + ".ts\n"
	}
	playlist += "#EXT-X-ENDLIST\n"
	mkfile(t, filepath.Join(dir, "video.m3u8"), playlist)

	c := New(root)
	result, err := c.Incomplete()
	require.NoError(t, err)

	assert.Contains(t, result.Kept, "Movie")
	assert.Empty(t, result.Cleaned)
	_, err = os.Stat(filepath.Join(dir, ".done"))
	assert.NoError(t, err)
}

func TestIncompleteDeletesUnsalvageableDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Broken")
	mkfile(t, filepath.Join(dir, "video.m3u8"), "#EXTM3U\nvideo_segment0.ts\n")

	c := New(root)
	result, err := c.Incomplete()
	require.NoError(t, err)

	assert.Contains(t, result.Cleaned, "Broken")
	assert.Empty(t, result.Kept)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestIncompleteSkipsDirectoriesAlreadyDone(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Finished")
	mkfile(t, filepath.Join(dir, ".done"), "2024-01-01T00:00:00Z")

	c := New(root)
	result, err := c.Incomplete()
	require.NoError(t, err)
	assert.Empty(t, result.Kept)
	assert.Empty(t, result.Cleaned)
}

func TestIncompletePrefixesEpisodesWithSeries(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "series", "Show")
	mkfile(t, filepath.Join(dir, "video.m3u8"), "#EXTM3U\nvideo_segment0.ts\n")

	c := New(root)
	result, err := c.Incomplete()
	require.NoError(t, err)
	assert.Contains(t, result.Cleaned, "series/Show")
}
