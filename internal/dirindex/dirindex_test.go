package dirindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	body := []byte(`version:1
path:/foo
time:12345
f:fileA:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:100
d:subdirA:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb
t:archive.tgz:cccccccccccccccccccccccccccccccccccccccc
# a comment

`)
	idx, err := Parse(body, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", idx.Version)
	require.Len(t, idx.Children, 3)

	// sorted by name: archive.tgz, fileA, subdirA
	assert.Equal(t, "archive.tgz", idx.Children[0].Name)
	assert.Equal(t, Tarball, idx.Children[0].Type)
	assert.Equal(t, "fileA", idx.Children[1].Name)
	assert.Equal(t, File, idx.Children[1].Type)
	assert.True(t, idx.Children[1].HasSize)
	assert.Equal(t, uint64(100), idx.Children[1].ExpectedSize)
	assert.Equal(t, "subdirA", idx.Children[2].Name)
	assert.Equal(t, Dir, idx.Children[2].Type)
}

func TestParseRejectsUnsafeNames(t *testing.T) {
	body := []byte("version:1\nf:../etc/passwd:aaaa\nf:good:bbbb\n")
	idx, err := Parse(body, nil)
	require.NoError(t, err)
	require.Len(t, idx.Children, 1)
	assert.Equal(t, "good", idx.Children[0].Name)
}

func TestParseRejectsBadVersion(t *testing.T) {
	_, err := Parse([]byte("version:2\nf:a:b\n"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseRequiresVersionFirst(t *testing.T) {
	_, err := Parse([]byte("f:a:b\n"), nil)
	assert.ErrorIs(t, err, ErrMissingVersion)
}

func TestFormatRoundTrips(t *testing.T) {
	idx := &Index{
		Version: "1",
		Children: []ChildInfo{
			{Type: File, Name: "fileA", ExpectedHash: "aaaa", ExpectedSize: 10, HasSize: true},
			{Type: Dir, Name: "subdirA", ExpectedHash: "bbbb"},
		},
	}
	out := Format(idx)
	reparsed, err := Parse(out, nil)
	require.NoError(t, err)
	assert.Equal(t, idx.Children, reparsed.Children)
}

func TestFind(t *testing.T) {
	idx, err := Parse([]byte("version:1\nf:a:h1\nf:b:h2\nf:c:h3\n"), nil)
	require.NoError(t, err)
	c, ok := idx.Find("b")
	require.True(t, ok)
	assert.Equal(t, "h2", c.ExpectedHash)
	_, ok = idx.Find("missing")
	assert.False(t, ok)
}
