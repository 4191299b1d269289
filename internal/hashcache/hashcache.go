// Package hashcache implements the persistent (path, mtime, size, hash)
// cache described in spec.md §4.1: it lets the synchronizer skip rehashing
// files whose metadata hasn't changed since the last sync.
//
// Grounded on the teacher's (gsoltis-turborepo) fsCache sidecar-metadata
// idiom in internal/cache/cache_fs.go — a small file next to the content it
// describes, read lazily and rewritten only when dirty — adapted from one
// JSON file per cache entry to the single flat ".hashes" file spec.md pins
// as the wire format.
package hashcache

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/resultcode"
)

// hashBlockSize is the read-buffer size used while streaming a file through
// SHA-1, per spec.md §4.1 ("streamed in 1 MiB blocks").
const hashBlockSize = 1 << 20

// Entry is one row of the hash cache: spec.md §3's HashCacheEntry.
type Entry struct {
	FilePath string
	Mtime    int64
	Length   uint64
	HashHex  string
}

// Cache is the persistent mapping absolute-path -> (mtime, length, hex-hash).
// It is not safe for concurrent use — the synchronizer's single-threaded
// scheduling model (spec.md §5) means only one goroutine ever touches it at
// a time, matching how the rest of the core is written.
type Cache struct {
	path    fs.AbsolutePath
	logger  hclog.Logger
	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
}

// New constructs a Cache backed by the ".hashes" file at path. It does not
// load the file; call Parse for that.
func New(path fs.AbsolutePath, logger hclog.Logger) *Cache {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{path: path, logger: logger, entries: make(map[string]Entry)}
}

// Parse loads the cache file, tolerating malformed lines by skipping them
// with a warning. A missing file is not an error (cold start).
func (c *Cache) Parse() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.path.Open()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening hash cache")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			c.logger.Warn("hashcache: skipping malformed line", "line", lineNo)
			continue
		}
		c.entries[entry.FilePath] = entry
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scanning hash cache")
	}
	return nil
}

func parseLine(line string) (Entry, bool) {
	fields := strings.Split(line, "*")
	if len(fields) != 4 {
		return Entry{}, false
	}
	mtime, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	length, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{FilePath: fields[0], Mtime: mtime, Length: length, HashHex: fields[3]}, true
}

// HashForPath returns the hex SHA-1 of the file at p, reusing a cached
// value when the file's mtime/size still match the cached entry.
func (c *Cache) HashForPath(p fs.AbsolutePath) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[string(p)]
	c.mu.Unlock()

	info, statErr := p.Stat()
	if statErr != nil {
		return "", errors.Wrapf(resultcode.IO, "stat %v: %v", p, statErr)
	}

	if ok && entry.Mtime == info.ModTime().Unix() && entry.Length == uint64(info.Size()) {
		return entry.HashHex, nil
	}

	hash, err := hashFile(p)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[string(p)] = Entry{
		FilePath: string(p),
		Mtime:    info.ModTime().Unix(),
		Length:   uint64(info.Size()),
		HashHex:  hash,
	}
	c.dirty = true
	c.mu.Unlock()
	return hash, nil
}

func hashFile(p fs.AbsolutePath) (string, error) {
	f, err := p.Open()
	if err != nil {
		return "", errors.Wrapf(resultcode.IO, "open %v: %v", p, err)
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errors.Wrapf(resultcode.IO, "hash %v: %v", p, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// UpdatedFileContents removes any cached entry for p, then — unless newHash
// is empty, signaling a deletion — reinserts a fresh entry built from a
// forced stat of the current on-disk file.
func (c *Cache) UpdatedFileContents(p fs.AbsolutePath, newHash string) error {
	c.mu.Lock()
	delete(c.entries, string(p))
	c.dirty = true
	c.mu.Unlock()

	if newHash == "" {
		return nil
	}

	info, err := p.Stat()
	if err != nil {
		return errors.Wrapf(resultcode.IO, "stat %v: %v", p, err)
	}

	c.mu.Lock()
	c.entries[string(p)] = Entry{
		FilePath: string(p),
		Mtime:    info.ModTime().Unix(),
		Length:   uint64(info.Size()),
		HashHex:  newHash,
	}
	c.dirty = true
	c.mu.Unlock()
	return nil
}

// Write rewrites the ".hashes" file atomically if the cache is dirty.
func (c *Cache) Write() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range c.entries {
		fmt.Fprintf(&buf, "%s*%d*%d*%s\n", e.FilePath, e.Mtime, e.Length, e.HashHex)
	}
	if err := c.path.WriteFileAtomic(buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "writing hash cache")
	}
	c.dirty = false
	return nil
}

// Len reports the number of entries currently cached, mostly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
