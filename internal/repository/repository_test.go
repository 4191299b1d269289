package repository

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/resultcode"
	"github.com/terrasync/reposync/internal/transport"
)

const baseURL = "http://fake.example"

func sha1Hex(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

func newTestRepo(t *testing.T, client transport.HTTPClient) *Repository {
	t.Helper()
	root := fs.UnsafeToAbsolutePath(t.TempDir())
	repo, err := New(root, client, nil)
	require.NoError(t, err)
	repo.SetBaseURL(baseURL)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func runSync(t *testing.T, repo *Repository) {
	t.Helper()
	repo.Update()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, repo.Process(ctx))
	require.False(t, repo.IsDoingSync())
}

func TestUpdateBasicClone(t *testing.T) {
	fileA := []byte("contents of file A")
	zeroByte := []byte{}

	subDirIndex := []byte(fmt.Sprintf(
		"version:1\nf:subdirAFile:%s:%d\nf:zeroByteFile:%s:%d\n",
		sha1Hex([]byte("inner")), len("inner"), sha1Hex(zeroByte), 0,
	))
	rootIndex := []byte(fmt.Sprintf(
		"version:1\nf:fileA:%s:%d\nd:dirA:%s\n",
		sha1Hex(fileA), len(fileA), sha1Hex(subDirIndex),
	))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileA"] = transport.FakeResponse{StatusCode: 200, Body: fileA}
	client.Responses[baseURL+"/dirA/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: subDirIndex}
	client.Responses[baseURL+"/dirA/subdirAFile"] = transport.FakeResponse{StatusCode: 200, Body: []byte("inner")}
	client.Responses[baseURL+"/dirA/zeroByteFile"] = transport.FakeResponse{StatusCode: 200, Body: zeroByte}

	repo := newTestRepo(t, client)
	runSync(t, repo)

	assert.Same(t, resultcode.NoError, repo.Failure())
	assert.Empty(t, repo.Failures())

	root := repo.root
	gotFileA, err := root.Join("fileA").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, fileA, gotFileA)

	info, err := root.Join("dirA", "zeroByteFile").Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	gotInner, err := root.Join("dirA", "subdirAFile").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "inner", string(gotInner))
}

func TestUpdateIsIdempotentOnSecondSync(t *testing.T) {
	fileA := []byte("unchanged contents")
	rootIndex := []byte(fmt.Sprintf("version:1\nf:fileA:%s:%d\n", sha1Hex(fileA), len(fileA)))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileA"] = transport.FakeResponse{StatusCode: 200, Body: fileA}

	repo := newTestRepo(t, client)
	runSync(t, repo)
	require.Len(t, client.Requests(), 2)

	runSync(t, repo)
	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, baseURL+"/.dirindex", reqs[2])
}

func TestUpdateHealsLocalCorruption(t *testing.T) {
	fileA := []byte("good contents")
	fileB := []byte("sibling contents")
	rootIndex := []byte(fmt.Sprintf(
		"version:1\nf:fileA:%s:%d\nf:fileB:%s:%d\n",
		sha1Hex(fileA), len(fileA), sha1Hex(fileB), len(fileB),
	))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileA"] = transport.FakeResponse{StatusCode: 200, Body: fileA}
	client.Responses[baseURL+"/fileB"] = transport.FakeResponse{StatusCode: 200, Body: fileB}

	repo := newTestRepo(t, client)
	runSync(t, repo)
	require.Len(t, client.Requests(), 3)

	require.NoError(t, repo.root.Join("fileA").WriteFile([]byte("complete nonsense"), 0644))

	runSync(t, repo)
	reqs := client.Requests()
	require.Len(t, reqs, 5)
	assert.Equal(t, baseURL+"/fileA", reqs[4])

	healed, err := repo.root.Join("fileA").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, fileA, healed)
}

func TestUpdateRemovesOrphans(t *testing.T) {
	fileA := []byte("kept")
	rootIndex := []byte(fmt.Sprintf("version:1\nf:fileA:%s:%d\n", sha1Hex(fileA), len(fileA)))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileA"] = transport.FakeResponse{StatusCode: 200, Body: fileA}

	repo := newTestRepo(t, client)
	require.NoError(t, repo.root.Join("orphan.txt").WriteFile([]byte("leftover"), 0644))

	runSync(t, repo)

	assert.False(t, repo.root.Join("orphan.txt").FileExists())
	assert.True(t, repo.root.Join("fileA").FileExists())
}

func TestUpdateChecksumMismatchEscalates(t *testing.T) {
	declaredHash := sha1Hex([]byte("expected contents"))
	actualBody := []byte("these are not the expected bytes")
	rootIndex := []byte(fmt.Sprintf("version:1\nf:bad.txt:%s:%d\n", declaredHash, len(actualBody)))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/bad.txt"] = transport.FakeResponse{StatusCode: 200, Body: actualBody}

	repo := newTestRepo(t, client)
	runSync(t, repo)

	assert.Same(t, resultcode.Checksum, repo.Failure())
	require.Len(t, repo.Failures(), 1)
	assert.Equal(t, "bad.txt", repo.Failures()[0].Path)
	assert.Same(t, resultcode.Checksum, repo.Failures()[0].Code)
}

func TestUpdateFileNotFoundIsPartialUpdate(t *testing.T) {
	fileA := []byte("present")
	rootIndex := []byte(fmt.Sprintf(
		"version:1\nf:fileA:%s:%d\nf:missing.txt:%s:5\n",
		sha1Hex(fileA), len(fileA), sha1Hex([]byte("xxxxx")),
	))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileA"] = transport.FakeResponse{StatusCode: 200, Body: fileA}
	// "missing.txt" has no registered response; the fake reports 404.

	repo := newTestRepo(t, client)
	runSync(t, repo)

	assert.Same(t, resultcode.PartialUpdate, repo.Failure())
	require.Len(t, repo.Failures(), 1)
	assert.Equal(t, "missing.txt", repo.Failures()[0].Path)
	assert.Same(t, resultcode.FileNotFound, repo.Failures()[0].Code)
}

func TestUpdateRootNotFoundSetsNotFound(t *testing.T) {
	client := transport.NewFakeHTTPClient()
	// No response registered for the root .dirindex at all.

	repo := newTestRepo(t, client)
	runSync(t, repo)

	assert.Same(t, resultcode.NotFound, repo.Failure())
}

// TestUpdateExtractsArchiveLeafWithoutDoubleNesting downloads a .zip leaf
// whose entries are rooted under its own stem ("testDir/...") and checks
// that extraction lands at parent/testDir/..., not
// parent/testDir/testDir/....
func TestUpdateExtractsArchiveLeafWithoutDoubleNesting(t *testing.T) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.Create("testDir/hello.c")
	require.NoError(t, err)
	_, err = w.Write([]byte("int main(void) { return 0; }"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	archiveBytes := zipBuf.Bytes()

	rootIndex := []byte(fmt.Sprintf(
		"version:1\nf:payload.zip:%s:%d\n",
		sha1Hex(archiveBytes), len(archiveBytes),
	))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/payload.zip"] = transport.FakeResponse{StatusCode: 200, Body: archiveBytes}

	repo := newTestRepo(t, client)
	runSync(t, repo)

	assert.Same(t, resultcode.NoError, repo.Failure())

	gotFile, err := repo.root.Join("testDir", "hello.c").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "int main(void) { return 0; }", string(gotFile))

	assert.False(t, repo.root.Join("testDir", "testDir").PathExists(), "archive leaf must not double-nest under its own stem")
}

func TestUpdateInstalledCopyMerge(t *testing.T) {
	fileJA := []byte("matches already")
	fileJC := []byte("fresh from install dir")
	rootIndex := []byte(fmt.Sprintf(
		"version:1\nf:fileJA:%s:%d\nf:fileJC:%s:%d\n",
		sha1Hex(fileJA), len(fileJA), sha1Hex(fileJC), len(fileJC),
	))

	client := transport.NewFakeHTTPClient()
	client.Responses[baseURL+"/.dirindex"] = transport.FakeResponse{StatusCode: 200, Body: rootIndex}
	client.Responses[baseURL+"/fileJC"] = transport.FakeResponse{StatusCode: 200, Body: []byte("wrong, should not be fetched if merge worked")}

	installDir := t.TempDir()
	installed := fs.UnsafeToAbsolutePath(installDir)
	require.NoError(t, installed.Join("fileJA").WriteFile(fileJA, 0644))
	require.NoError(t, installed.Join("fileJC").WriteFile(fileJC, 0644))

	repo := newTestRepo(t, client)
	repo.SetInstalledCopyPath(installed)
	runSync(t, repo)

	reqs := client.Requests()
	for _, u := range reqs {
		assert.NotEqual(t, baseURL+"/fileJA", u, "fileJA should be merged from the installed copy, not fetched")
		assert.NotEqual(t, baseURL+"/fileJC", u, "fileJC should be merged from the installed copy and already hash-match, not fetched")
	}

	gotC, err := repo.root.Join("fileJC").ReadFile()
	require.NoError(t, err)
	assert.Equal(t, fileJC, gotC)
}
