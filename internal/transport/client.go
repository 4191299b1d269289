// Package transport implements the HTTP transport abstraction spec.md §6
// names (MakeRequest/CancelRequest, GotBodyData/OnDone/OnFail,
// ResponseCode/ResponseReason/ContentSize/ResponseBytesReceived) and its
// production backing, DefaultHTTPClient.
//
// Grounded on the teacher's (gsoltis-turborepo) cache_http.go, which already
// layers retryablehttp under a config.ApiClient for the same GET-and-stream
// shape this package generalizes to arbitrary repository URLs.
package transport

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/terrasync/reposync/internal/resultcode"
)

// EventKind distinguishes which of the three per-request callbacks an Event
// is delivering.
type EventKind int

const (
	// EventBodyData carries a chunk of the response body.
	EventBodyData EventKind = iota
	// EventDone signals that the response body has been fully delivered.
	EventDone
	// EventFail signals a terminal failure for the request (transport
	// error, non-2xx status, or cancellation).
	EventFail
)

// Event is one callback delivery. DefaultHTTPClient queues these from
// per-request goroutines onto a single channel so Repository.Process can
// drain and dispatch them one at a time, keeping every callback on the
// same thread as the caller's own processing loop (spec.md §5).
type Event struct {
	Handle *RequestHandle
	Kind   EventKind
	Data   []byte
	Err    error
}

// RequestHandle tracks one GET request and exposes the read-only
// accessors spec.md §6 names for it.
type RequestHandle struct {
	URL string

	mu             sync.Mutex
	responseCode   int
	responseReason string
	contentSize    int64
	bytesReceived  int64

	cancelled int32
	cancel    context.CancelFunc
}

// ResponseCode returns the HTTP status code, or 0 before headers arrive.
func (h *RequestHandle) ResponseCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseCode
}

// ResponseReason returns the HTTP status line's reason phrase.
func (h *RequestHandle) ResponseReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseReason
}

// ContentSize returns the advertised Content-Length, or -1 if unknown.
func (h *RequestHandle) ContentSize() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contentSize
}

// ResponseBytesReceived returns the number of body bytes delivered so far.
func (h *RequestHandle) ResponseBytesReceived() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesReceived
}

// IsCancelled reports whether CancelRequest has been called for this handle.
func (h *RequestHandle) IsCancelled() bool {
	return atomic.LoadInt32(&h.cancelled) == 1
}

func (h *RequestHandle) setResponse(code int, reason string, size int64) {
	h.mu.Lock()
	h.responseCode = code
	h.responseReason = reason
	h.contentSize = size
	h.mu.Unlock()
}

func (h *RequestHandle) addBytesReceived(n int64) {
	h.mu.Lock()
	h.bytesReceived += n
	h.mu.Unlock()
}

// HTTPClient is the transport abstraction Repository drives. DefaultHTTPClient
// is the production implementation; tests substitute an in-process fake
// (see fake.go) to drive spec.md §8's scenarios without a real network.
type HTTPClient interface {
	// MakeRequest begins a GET for url and returns a handle whose progress
	// is reported through Events.
	MakeRequest(url string) *RequestHandle
	// CancelRequest aborts an in-flight request; its terminal event will
	// carry resultcode.Cancelled.
	CancelRequest(h *RequestHandle)
	// Events returns the channel Repository.Process drains.
	Events() <-chan Event
	// Close waits for all in-flight requests to finish and closes Events.
	Close()
}

// DefaultHTTPClient implements HTTPClient over hashicorp/go-retryablehttp.
// Its CheckRetry is pinned to always (false, nil): the transport performs
// zero retries of its own. spec.md's retry budget is about re-queuing a
// RepoRequest (which carries directory/URL/hash state), not about replaying
// a bare HTTP request, so Repository owns all retry decisions (§7.1) and
// retryablehttp is used here purely as a well-behaved, connection-pooling
// *http.Client.
type DefaultHTTPClient struct {
	client *retryablehttp.Client
	logger hclog.Logger
	events chan Event
	wg     sync.WaitGroup
}

// chunkSize is the read buffer used while streaming a response body.
const chunkSize = 32 * 1024

// NewDefaultHTTPClient constructs a DefaultHTTPClient with the given
// per-request timeout.
func NewDefaultHTTPClient(logger hclog.Logger, timeout time.Duration) *DefaultHTTPClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	rc := retryablehttp.NewClient()
	rc.Logger = logger
	rc.RetryMax = 0
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}
	if timeout > 0 {
		rc.HTTPClient.Timeout = timeout
	}
	return &DefaultHTTPClient{
		client: rc,
		logger: logger,
		events: make(chan Event, 64),
	}
}

// Events implements HTTPClient.
func (c *DefaultHTTPClient) Events() <-chan Event { return c.events }

// MakeRequest implements HTTPClient.
func (c *DefaultHTTPClient) MakeRequest(url string) *RequestHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &RequestHandle{URL: url, contentSize: -1, cancel: cancel}
	c.wg.Add(1)
	go c.run(ctx, h)
	return h
}

// CancelRequest implements HTTPClient.
func (c *DefaultHTTPClient) CancelRequest(h *RequestHandle) {
	atomic.StoreInt32(&h.cancelled, 1)
	if h.cancel != nil {
		h.cancel()
	}
}

// Close implements HTTPClient.
func (c *DefaultHTTPClient) Close() {
	c.wg.Wait()
	close(c.events)
}

func (c *DefaultHTTPClient) run(ctx context.Context, h *RequestHandle) {
	defer c.wg.Done()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		c.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.Socket, err.Error())}
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.events <- Event{Handle: h, Kind: EventFail, Err: resultcode.Cancelled}
			return
		}
		c.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.Socket, err.Error())}
		return
	}
	defer resp.Body.Close()

	h.setResponse(resp.StatusCode, strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "), resp.ContentLength)

	if resp.StatusCode == http.StatusNotFound {
		c.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.FileNotFound, h.URL)}
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrapf(resultcode.HTTP, "%s: %s", h.URL, resp.Status)}
		return
	}

	buf := make([]byte, chunkSize)
	for {
		if h.IsCancelled() {
			c.events <- Event{Handle: h, Kind: EventFail, Err: resultcode.Cancelled}
			return
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.addBytesReceived(int64(n))
			c.events <- Event{Handle: h, Kind: EventBodyData, Data: chunk}
		}
		if readErr == io.EOF {
			c.events <- Event{Handle: h, Kind: EventDone}
			return
		}
		if readErr != nil {
			c.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.Socket, readErr.Error())}
			return
		}
	}
}
