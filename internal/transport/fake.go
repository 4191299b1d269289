package transport

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/terrasync/reposync/internal/resultcode"
)

// FakeResponse is one scripted response in a FakeHTTPClient's routing table.
type FakeResponse struct {
	StatusCode int
	Body       []byte
	// ChunkSize splits Body across multiple EventBodyData deliveries when
	// greater than zero; zero means "deliver Body as a single chunk."
	ChunkSize int
	// FailAfterBytes, when greater than zero, replaces the request's
	// terminal EventDone with an EventFail carrying resultcode.Socket once
	// this many bytes have been delivered — used to script S3/S4-style
	// transient-failure scenarios.
	FailAfterBytes int
}

// FakeHTTPClient is an in-process HTTPClient driven entirely by a routing
// table, matching the teacher's style of small interface-backed fakes
// (e.g. turborepo's in-memory cache.Cache used in its own tests). It lets
// Repository's tests exercise spec.md §8's scenarios without a real
// network, including scripted 404/error/partial-body-then-fail responses.
type FakeHTTPClient struct {
	Responses map[string]FakeResponse

	mu       sync.Mutex
	requests []string

	events chan Event
}

// NewFakeHTTPClient constructs an empty FakeHTTPClient; populate Responses
// before issuing requests.
func NewFakeHTTPClient() *FakeHTTPClient {
	return &FakeHTTPClient{
		Responses: make(map[string]FakeResponse),
		events:    make(chan Event, 4096),
	}
}

// Events implements HTTPClient.
func (f *FakeHTTPClient) Events() <-chan Event { return f.events }

// Requests returns every URL requested so far, in order, for assertions.
func (f *FakeHTTPClient) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	copy(out, f.requests)
	return out
}

// MakeRequest implements HTTPClient. It resolves immediately: every Event
// this request will ever produce is enqueued before MakeRequest returns.
func (f *FakeHTTPClient) MakeRequest(url string) *RequestHandle {
	h := &RequestHandle{URL: url, contentSize: -1}

	f.mu.Lock()
	f.requests = append(f.requests, url)
	resp, ok := f.Responses[url]
	f.mu.Unlock()

	if !ok {
		h.setResponse(http.StatusNotFound, "Not Found", -1)
		f.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.FileNotFound, url)}
		return h
	}

	h.setResponse(resp.StatusCode, http.StatusText(resp.StatusCode), int64(len(resp.Body)))
	if resp.StatusCode != http.StatusOK {
		f.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrapf(resultcode.HTTP, "%s: %d", url, resp.StatusCode)}
		return h
	}

	chunkSize := resp.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(resp.Body)
	}
	if chunkSize == 0 {
		chunkSize = 1
	}

	delivered := 0
	for delivered < len(resp.Body) {
		if h.IsCancelled() {
			f.events <- Event{Handle: h, Kind: EventFail, Err: resultcode.Cancelled}
			return h
		}
		if resp.FailAfterBytes > 0 && delivered >= resp.FailAfterBytes {
			f.events <- Event{Handle: h, Kind: EventFail, Err: errors.Wrap(resultcode.Socket, "injected transient failure")}
			return h
		}
		end := delivered + chunkSize
		if end > len(resp.Body) {
			end = len(resp.Body)
		}
		chunk := make([]byte, end-delivered)
		copy(chunk, resp.Body[delivered:end])
		h.addBytesReceived(int64(len(chunk)))
		f.events <- Event{Handle: h, Kind: EventBodyData, Data: chunk}
		delivered = end
	}
	f.events <- Event{Handle: h, Kind: EventDone}
	return h
}

// CancelRequest implements HTTPClient. Because MakeRequest above runs
// synchronously to completion, every event for h is already queued by the
// time this can be called; it only marks h cancelled, and the queued events
// (including a terminal EventDone) are still delivered.
func (f *FakeHTTPClient) CancelRequest(h *RequestHandle) {
	atomic.StoreInt32(&h.cancelled, 1)
}

// Close implements HTTPClient.
func (f *FakeHTTPClient) Close() {
	close(f.events)
}
