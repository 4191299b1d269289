package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasync/reposync/internal/resultcode"
)

func TestFakeHTTPClientDeliversChunkedBody(t *testing.T) {
	f := NewFakeHTTPClient()
	f.Responses["/a/.dirindex"] = FakeResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("version:1\nf:leaf.txt:deadbeef:5\n"),
		ChunkSize:  4,
	}

	h := f.MakeRequest("/a/.dirindex")
	var body []byte
	var sawDone bool
	for {
		e, ok := <-f.Events()
		require.True(t, ok)
		if e.Kind == EventBodyData {
			body = append(body, e.Data...)
			continue
		}
		require.Equal(t, EventDone, e.Kind)
		sawDone = true
		break
	}
	assert.True(t, sawDone)
	assert.Equal(t, "version:1\nf:leaf.txt:deadbeef:5\n", string(body))
	assert.Equal(t, []string{"/a/.dirindex"}, f.Requests())
	assert.Equal(t, http.StatusOK, h.ResponseCode())
}

func TestFakeHTTPClientMissingRouteIs404(t *testing.T) {
	f := NewFakeHTTPClient()
	f.MakeRequest("/nowhere")
	e := <-f.Events()
	assert.Equal(t, EventFail, e.Kind)
	assert.ErrorIs(t, e.Err, resultcode.FileNotFound)
}

func TestFakeHTTPClientFailAfterBytes(t *testing.T) {
	f := NewFakeHTTPClient()
	f.Responses["/flaky"] = FakeResponse{
		StatusCode:     http.StatusOK,
		Body:           []byte("0123456789"),
		ChunkSize:      2,
		FailAfterBytes: 4,
	}
	f.MakeRequest("/flaky")

	var gotData []byte
	var failed bool
	for {
		e := <-f.Events()
		if e.Kind == EventBodyData {
			gotData = append(gotData, e.Data...)
			continue
		}
		require.Equal(t, EventFail, e.Kind)
		failed = true
		break
	}
	assert.True(t, failed)
	assert.Equal(t, "0123", string(gotData))
}
