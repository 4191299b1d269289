// Package repository implements the orchestrator described in spec.md
// §4.5: it owns the request pool, the root Directory and its descendants,
// the persistent hash cache, and the accumulated failure list, and exposes
// the Update/IsDoingSync/Process surface that drives a sync end to end.
package repository

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/terrasync/reposync/internal/dirindex"
	"github.com/terrasync/reposync/internal/filterset"
	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/hashcache"
	"github.com/terrasync/reposync/internal/resultcode"
	"github.com/terrasync/reposync/internal/transport"
)

const (
	// poolCap is the maximum number of concurrently active requests,
	// spec.md §4.5's "pool cap".
	poolCap = 5
	// retryBudget is the number of transient socket failures tolerated for
	// a single URL before the failure is finalized, per spec.md §9.
	retryBudget = 2
)

// Repository is the sync orchestrator. Every exported method assumes the
// single-threaded cooperative model from spec.md §5: callers drive it from
// one goroutine by calling Update once and then Process in a loop.
type Repository struct {
	root              fs.AbsolutePath
	baseURL           string
	installedCopyPath fs.AbsolutePath
	filter            filterset.Filter

	httpClient transport.HTTPClient
	hashCache  *hashcache.Cache
	logger     hclog.Logger
	lock       lockfile.Lockfile

	sem *semaphore.Weighted

	directories map[string]*Directory

	active map[*transport.RequestHandle]*repoRequest
	queued []*repoRequest

	socketFailures map[string]int
	retryReady     chan *repoRequest

	failures []Failure
	status   *resultcode.Code
	updating bool

	doneBytes int64
}

// New constructs a Repository rooted at root, acquiring an exclusive lock
// on that root (spec.md's "two Repositories over the same tree is undefined
// behavior" becomes a fast failure instead of a silent race) and parsing
// any existing hash cache.
func New(root fs.AbsolutePath, httpClient transport.HTTPClient, logger hclog.Logger) (*Repository, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := root.MkdirAll(); err != nil {
		return nil, errors.Wrap(err, "creating repository root")
	}
	resolved, err := fs.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	root = resolved

	lock, err := lockfile.New(root.Join(".reposync.lock").ToString())
	if err != nil {
		return nil, errors.Wrap(err, "constructing repository lock")
	}
	if err := lock.TryLock(); err != nil {
		return nil, errors.Wrapf(err, "repository root %s is already in use", root)
	}

	cache := hashcache.New(root.Join(".hashes"), logger)
	if err := cache.Parse(); err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "parsing hash cache")
	}

	repo := &Repository{
		root:           root,
		httpClient:     httpClient,
		hashCache:      cache,
		logger:         logger,
		lock:           lock,
		sem:            semaphore.NewWeighted(poolCap),
		directories:    make(map[string]*Directory),
		active:         make(map[*transport.RequestHandle]*repoRequest),
		socketFailures: make(map[string]int),
		retryReady:     make(chan *repoRequest, poolCap),
		status:         resultcode.NoError,
	}
	repo.directories[""] = newDirectory(repo, "")
	return repo, nil
}

// Close releases the exclusive root lock. Any active requests should be
// cancelled by the caller first; Close does not do so itself.
func (r *Repository) Close() error {
	return r.lock.Unlock()
}

// SetBaseURL sets the remote root URL new syncs are mirrored from.
func (r *Repository) SetBaseURL(url string) { r.baseURL = url }

// SetInstalledCopyPath sets an optional secondary local tree consulted for
// a best-effort merge before the network diff runs (spec.md §4.3 step 1).
func (r *Repository) SetInstalledCopyPath(path fs.AbsolutePath) { r.installedCopyPath = path }

// SetFilter sets the predicate consulted both for orphan-deletion exclusion
// and, transitively, for archive extraction driven from a downloaded leaf.
func (r *Repository) SetFilter(filter filterset.Filter) { r.filter = filter }

// IsDoingSync reports whether a sync is in progress and has not yet hit a
// repository-wide failure.
func (r *Repository) IsDoingSync() bool {
	return r.updating && r.status == resultcode.NoError
}

// Failure returns the most severe repository-wide outcome of the last (or
// current) sync.
func (r *Repository) Failure() *resultcode.Code {
	if r.status != resultcode.NoError {
		return r.status
	}
	if len(r.failures) > 0 {
		return resultcode.PartialUpdate
	}
	return resultcode.NoError
}

// Failures returns a copy of the accumulated per-path failures.
func (r *Repository) Failures() []Failure {
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

// BytesToDownload sums the expected size of every active and queued
// request plus the bytes already accounted for by completed requests this
// sync.
func (r *Repository) BytesToDownload() int64 {
	total := r.doneBytes
	for _, req := range r.active {
		total += req.expectedSize
	}
	for _, req := range r.queued {
		total += req.expectedSize
	}
	return total
}

// BytesDownloaded sums bytes already flushed to disk or buffer this sync
// plus the bytes received so far by active requests.
func (r *Repository) BytesDownloaded() int64 {
	total := r.doneBytes
	for _, req := range r.active {
		if req.handle != nil {
			total += req.handle.ResponseBytesReceived()
		}
	}
	return total
}

func (r *Repository) addBytesDownloaded(n int64) {
	r.doneBytes += n
}

// Update starts a sync. Idempotent: a call while a sync is already in
// progress is a no-op, matching spec.md §4.5.
func (r *Repository) Update() {
	if r.updating {
		return
	}
	r.failures = nil
	r.status = resultcode.NoError
	r.updating = true
	r.doneBytes = 0
	r.socketFailures = make(map[string]int)

	root := r.directoryFor("")
	root.index = nil
	r.submitDirRequest(root, "")
}

// Process drains transport events and retry timers until the sync
// finishes or ctx is cancelled. Callers are expected to call this in a
// loop; it returns as soon as there is nothing left to wait for.
func (r *Repository) Process(ctx context.Context) error {
	for r.updating {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.retryReady:
			r.submit(req)
		case ev, ok := <-r.httpClient.Events():
			if !ok {
				return nil
			}
			r.handleEvent(ev)
		}
	}
	return nil
}

func (r *Repository) directoryFor(relPath string) *Directory {
	if d, ok := r.directories[relPath]; ok {
		return d
	}
	d := newDirectory(r, relPath)
	r.directories[relPath] = d
	return d
}

// enqueueChildUpdate schedules a GET for one child named in parent's index:
// a recursive dir request for Dir children, a plain file request otherwise
// (spec.md §4.3 step 4 covers both File and Tarball the same way — the
// tarball's extraction is triggered later, off didUpdateFile).
func (r *Repository) enqueueChildUpdate(parent *Directory, child dirindex.ChildInfo) {
	if child.Type == dirindex.Dir {
		childDir := r.directoryFor(joinRel(parent.relativePath, child.Name))
		childDir.expectedHash = child.ExpectedHash
		r.submitDirRequest(childDir, child.ExpectedHash)
		return
	}
	r.submitFileRequest(parent, child)
}

func (r *Repository) submitDirRequest(dir *Directory, expectedHash string) {
	req := &repoRequest{
		id:           uuid.New(),
		kind:         kindDir,
		dir:          dir,
		name:         ".dirindex",
		url:          dir.URL() + "/.dirindex",
		expectedHash: expectedHash,
	}
	r.submit(req)
}

func (r *Repository) submitFileRequest(parent *Directory, child dirindex.ChildInfo) {
	req := &repoRequest{
		id:           uuid.New(),
		kind:         kindFile,
		dir:          parent,
		name:         child.Name,
		url:          parent.URL() + "/" + child.Name,
		expectedHash: child.ExpectedHash,
		outPath:      parent.AbsolutePath().Join(child.Name),
	}
	if child.HasSize {
		req.expectedSize = int64(child.ExpectedSize)
	}
	r.submit(req)
}

// submit activates req immediately if the pool has room, else appends it
// to the FIFO queue for later promotion.
func (r *Repository) submit(req *repoRequest) {
	if r.sem.TryAcquire(1) {
		r.activate(req)
		return
	}
	r.queued = append(r.queued, req)
}

func (r *Repository) activate(req *repoRequest) {
	req.handle = r.httpClient.MakeRequest(req.url)
	r.active[req.handle] = req
	r.logger.Debug("request activated", "id", req.id, "url", req.url)
}

func (r *Repository) handleEvent(ev transport.Event) {
	req, ok := r.active[ev.Handle]
	if !ok {
		return
	}
	// req.dir was nulled by escalateChecksumFailure; only the terminal
	// events are let through, so the request's pool slot still gets freed.
	if req.dir == nil && ev.Kind == transport.EventBodyData {
		return
	}
	switch ev.Kind {
	case transport.EventBodyData:
		if err := req.consume(ev.Data); err != nil {
			r.failRequest(req, errors.Wrap(resultcode.IO, err.Error()))
		}
	case transport.EventDone:
		r.completeRequest(req)
	case transport.EventFail:
		r.failRequest(req, ev.Err)
	}
}

func (r *Repository) completeRequest(req *repoRequest) {
	handle := req.handle

	if req.dir == nil {
		req.reset()
		r.finishedRequest(req, handle)
		return
	}
	defer r.finishedRequest(req, handle)

	hasher := req.hasher
	if hasher == nil {
		hasher = sha1.New()
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	switch req.kind {
	case kindFile:
		r.completeFileRequest(req, handle, hash)
	case kindDir:
		r.completeDirRequest(req, hash)
	}
}

// completeFileRequest finalizes a successful file download. A file that
// never received a body chunk (a zero-byte file) still needs an empty
// output file created on disk.
func (r *Repository) completeFileRequest(req *repoRequest, handle *transport.RequestHandle, hash string) {
	if req.outFile == nil {
		if err := req.outPath.EnsureDir(); err == nil {
			if f, ferr := req.outPath.OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); ferr == nil {
				req.outFile = f
			}
		}
	}
	if req.outFile != nil {
		req.outFile.Close()
		req.outFile = nil
	}
	req.dir.didUpdateFile(req.name, hash, handle.ResponseBytesReceived())
}

func (r *Repository) completeDirRequest(req *repoRequest, hash string) {
	dir := req.dir

	if req.expectedHash != "" && hash != req.expectedHash {
		r.escalateChecksumFailure(joinRel(dir.relativePath, ".dirindex"))
		return
	}

	body := req.buf.Bytes()
	existingHash, err := r.hashCache.HashForPath(dir.indexPath())
	if err != nil || existingHash != hash {
		if err := dir.AbsolutePath().MkdirAll(); err != nil {
			r.reportFileFailure(dir.relativePath, resultcode.IO)
			return
		}
		if err := dir.indexPath().WriteFileAtomic(body, 0644); err != nil {
			r.reportFileFailure(dir.relativePath, resultcode.IO)
			return
		}
	}

	r.addBytesDownloaded(int64(len(body)))

	// Spec.md §4.3: even when the index body is unchanged, the diff still
	// runs, since the on-disk children may be stale relative to it.
	if err := dir.dirIndexUpdated(body, hash); err != nil {
		r.logger.Warn("updating directory from index", "path", dir.relativePath, "error", err)
	}
}

func (r *Repository) failRequest(req *repoRequest, err error) {
	handle := req.handle
	defer r.finishedRequest(req, handle)

	if errors.Is(err, resultcode.Cancelled) {
		return
	}

	code := resultcode.From(err)
	if code == nil {
		code = resultcode.IO
	}

	if code == resultcode.Socket && r.shouldRetry(req) {
		r.scheduleRetry(req)
		return
	}

	req.reset()
	r.dispatchFailure(req, code)
}

func (r *Repository) shouldRetry(req *repoRequest) bool {
	r.socketFailures[req.url]++
	return r.socketFailures[req.url] <= retryBudget
}

// scheduleRetry discards the failed attempt's partial state and re-queues
// req after an exponential backoff delay, per spec.md §9's retry budget.
func (r *Repository) scheduleRetry(req *repoRequest) {
	req.retries++
	req.reset()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	delay := b.NextBackOff()
	for i := 1; i < req.retries; i++ {
		delay = b.NextBackOff()
	}
	req.handle = nil

	time.AfterFunc(delay, func() {
		select {
		case r.retryReady <- req:
		default:
			r.logger.Warn("dropping retry, channel full", "url", req.url)
		}
	})
}

func (r *Repository) dispatchFailure(req *repoRequest, code *resultcode.Code) {
	if req.dir == nil {
		return
	}
	if req.kind == kindDir && req.dir.relativePath == "" {
		if code == resultcode.FileNotFound {
			r.status = resultcode.NotFound
		} else {
			r.status = code
		}
		return
	}
	switch req.kind {
	case kindFile:
		req.dir.didFailToUpdateFile(req.name, code)
	case kindDir:
		r.reportFileFailure(joinRel(req.dir.relativePath, ".dirindex"), code)
	}
}

func (r *Repository) reportFileFailure(path string, code *resultcode.Code) {
	r.failures = append(r.failures, Failure{Path: path, Code: code})
}

// escalateChecksumFailure implements spec.md §4.5's checksum-failure
// escalation: stop the sync outright rather than let queued work continue
// against a tree that may already be stale.
func (r *Repository) escalateChecksumFailure(path string) {
	r.status = resultcode.Checksum
	r.queued = nil

	victims := make([]*repoRequest, 0, len(r.active))
	for _, req := range r.active {
		victims = append(victims, req)
	}
	for _, req := range victims {
		if req.handle != nil {
			r.httpClient.CancelRequest(req.handle)
		}
		req.dir = nil
	}

	r.reportFileFailure(path, resultcode.Checksum)
}

// finishedRequest releases the request's pool slot (if it held one),
// promotes one queued request, flushes the hash cache, and clears
// updating once both the active and queued sets have drained. handle is
// passed explicitly because req.handle may already have been cleared by
// req.reset() by the time this runs.
func (r *Repository) finishedRequest(req *repoRequest, handle *transport.RequestHandle) {
	if handle != nil {
		if _, ok := r.active[handle]; ok {
			delete(r.active, handle)
			r.sem.Release(1)
		}
	}

	if len(r.queued) > 0 {
		next := r.queued[0]
		r.queued = r.queued[1:]
		r.submit(next)
	}

	if err := r.hashCache.Write(); err != nil {
		r.logger.Warn("writing hash cache", "error", err)
	}

	if len(r.active) == 0 && len(r.queued) == 0 {
		r.updating = false
	}
}
