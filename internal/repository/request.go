package repository

import (
	"bytes"
	"crypto/sha1"
	"hash"
	"os"

	"github.com/google/uuid"

	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/transport"
)

type requestKind int

const (
	kindFile requestKind = iota
	kindDir
)

// repoRequest is one in-flight (or queued) GET, covering both the
// FileGetRequest and DirGetRequest variants from spec.md §4.4. dir is the
// Directory this request reports back to: the parent directory for a file
// fetch, or the directory whose own .dirindex is being fetched for a dir
// fetch. It is cleared during checksum-failure escalation so that stale
// completion events become no-ops (spec.md §5).
type repoRequest struct {
	id   uuid.UUID
	kind requestKind

	dir  *Directory
	name string // file name, relative to dir, for kindFile
	url  string

	expectedHash string // parent-supplied hash, empty for the root .dirindex; completion checks it for kindDir only
	expectedSize int64

	outPath fs.AbsolutePath // kindFile only
	outFile *os.File        // kindFile only, created on first body chunk

	buf    bytes.Buffer // kindDir only
	hasher hash.Hash

	handle  *transport.RequestHandle
	retries int
}

// consume appends a body chunk to the request's sink (disk file for
// kindFile, in-memory buffer for kindDir per spec.md §4.4) and feeds it
// into the running SHA-1 context.
func (req *repoRequest) consume(data []byte) error {
	if req.hasher == nil {
		req.hasher = sha1.New()
	}
	req.hasher.Write(data)

	switch req.kind {
	case kindFile:
		if req.outFile == nil {
			if err := req.outPath.EnsureDir(); err != nil {
				return err
			}
			f, err := req.outPath.OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			req.outFile = f
		}
		_, err := req.outFile.Write(data)
		return err
	case kindDir:
		req.buf.Write(data)
		return nil
	}
	return nil
}

// reset discards an attempt's partial state before a retry.
func (req *repoRequest) reset() {
	req.handle = nil
	req.hasher = nil
	if req.outFile != nil {
		req.outFile.Close()
		req.outFile = nil
	}
	if req.outPath != "" && req.outPath.FileExists() {
		_ = req.outPath.Remove()
	}
	req.buf.Reset()
}
