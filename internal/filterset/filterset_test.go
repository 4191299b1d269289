package filterset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilFilterAcceptsEverything(t *testing.T) {
	d, p := Decide(nil, "anything/at/all")
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "anything/at/all", p)
}

func TestGlobFilterSkipsMatches(t *testing.T) {
	f, err := NewGlob([]string{"*.tmp", "build/**"})
	require.NoError(t, err)

	d, _ := f.Decide("scratch.tmp")
	assert.Equal(t, Skipped, d)
	d, _ = f.Decide("build/output/a.o")
	assert.Equal(t, Skipped, d)
	d, p := f.Decide("src/main.go")
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "src/main.go", p)
}

func TestGitIgnoreFilterSkipsMatches(t *testing.T) {
	f := NewGitIgnore([]string{"*.bak", "/cache/"})
	d, _ := f.Decide("notes.bak")
	assert.Equal(t, Skipped, d)
	d, _ = f.Decide("cache/entry")
	assert.Equal(t, Skipped, d)
	d, p := f.Decide("src/main.go")
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "src/main.go", p)
}

func TestChainShortCircuits(t *testing.T) {
	glob, err := NewGlob([]string{"*.tmp"})
	require.NoError(t, err)
	gitignore := NewGitIgnore([]string{"*.bak"})

	chained := Chain(glob, gitignore)
	d, _ := chained.Decide("a.tmp")
	assert.Equal(t, Skipped, d)
	d, _ = chained.Decide("a.bak")
	assert.Equal(t, Skipped, d)
	d, p := chained.Decide("a.go")
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "a.go", p)
}

func TestModifiedRewritesPath(t *testing.T) {
	rewrite := FilterFunc(func(relPath string) (Decision, string) {
		if relPath == "legacy/data.bin" {
			return Modified, "current/data.bin"
		}
		return Accepted, relPath
	})

	d, p := rewrite.Decide("legacy/data.bin")
	assert.Equal(t, Modified, d)
	assert.Equal(t, "current/data.bin", p)

	d, p = rewrite.Decide("untouched.txt")
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "untouched.txt", p)
}

func TestChainPropagatesRewrittenPathToLaterFilters(t *testing.T) {
	rewrite := FilterFunc(func(relPath string) (Decision, string) {
		if relPath == "legacy/data.bin" {
			return Modified, "current/data.bin"
		}
		return Accepted, relPath
	})
	gitignore := NewGitIgnore([]string{"current/*"})

	chained := Chain(rewrite, gitignore)
	d, p := chained.Decide("legacy/data.bin")
	assert.Equal(t, Skipped, d)
	assert.Equal(t, "current/data.bin", p)
}

func TestChainReturnsLastModifiedPathWhenNothingElseOverrides(t *testing.T) {
	rewrite := FilterFunc(func(relPath string) (Decision, string) {
		return Modified, "renamed/" + relPath
	})

	chained := Chain(rewrite)
	d, p := chained.Decide("a.go")
	assert.Equal(t, Modified, d)
	assert.Equal(t, "renamed/a.go", p)
}
