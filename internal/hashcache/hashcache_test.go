package hashcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasync/reposync/internal/fs"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestHashForPathComputesAndCaches(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "fileA")
	writeFile(t, target, "hello world")

	c := New(fs.UnsafeToAbsolutePath(filepath.Join(dir, ".hashes")), nil)
	hash, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)
	assert.Len(t, hash, 40)
	assert.Equal(t, 1, c.Len())

	// second call should hit the cache: corrupt the file behind the cache's
	// back and confirm the cached hash (not the new content) is returned as
	// long as mtime/size match.
	info, err := os.Stat(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("hello worlx"), 0644))
	require.NoError(t, os.Chtimes(target, info.ModTime(), info.ModTime()))
	// Same size and restored mtime, so the cache must not notice the change:
	hash2, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)
	assert.Equal(t, hash, hash2, "same mtime and size should still hit cache")
}

func TestHashForPathInvalidatesOnSizeChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "fileA")
	writeFile(t, target, "short")

	c := New(fs.UnsafeToAbsolutePath(filepath.Join(dir, ".hashes")), nil)
	hash1, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, target, "a much longer replacement body")
	hash2, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestWriteAndParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "fileA")
	writeFile(t, target, "payload")

	cachePath := fs.UnsafeToAbsolutePath(filepath.Join(dir, ".hashes"))
	c := New(cachePath, nil)
	_, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)
	require.NoError(t, c.Write())

	reloaded := New(cachePath, nil)
	require.NoError(t, reloaded.Parse())
	assert.Equal(t, 1, reloaded.Len())
}

func TestParseToleratesMalformedLines(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, ".hashes")
	writeFile(t, cachePath, "# comment\nnotenoughfields\n/a/b*123*45*deadbeef\n\n")

	c := New(fs.UnsafeToAbsolutePath(cachePath), nil)
	require.NoError(t, c.Parse())
	assert.Equal(t, 1, c.Len())
}

func TestParseMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	c := New(fs.UnsafeToAbsolutePath(filepath.Join(dir, "nope")), nil)
	assert.NoError(t, c.Parse())
}

func TestUpdatedFileContentsDeletionHook(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "fileA")
	writeFile(t, target, "payload")

	c := New(fs.UnsafeToAbsolutePath(filepath.Join(dir, ".hashes")), nil)
	_, err := c.HashForPath(fs.UnsafeToAbsolutePath(target))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.UpdatedFileContents(fs.UnsafeToAbsolutePath(target), ""))
	assert.Equal(t, 0, c.Len())
}
