package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrasync/reposync/internal/resultcode"
)

func TestDefaultHTTPClientDeliversBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 100000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewDefaultHTTPClient(nil, 5*time.Second)
	h := c.MakeRequest(srv.URL + "/leaf")

	var received bytes.Buffer
	for {
		e := <-c.Events()
		require.Equal(t, h, e.Handle)
		if e.Kind == EventBodyData {
			received.Write(e.Data)
			continue
		}
		require.Equal(t, EventDone, e.Kind)
		break
	}
	assert.Equal(t, body, received.Bytes())
	assert.Equal(t, http.StatusOK, h.ResponseCode())
	assert.Equal(t, int64(len(body)), h.ResponseBytesReceived())
}

func TestDefaultHTTPClientReports404AsFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewDefaultHTTPClient(nil, 5*time.Second)
	h := c.MakeRequest(srv.URL + "/missing")

	e := <-c.Events()
	assert.Equal(t, h, e.Handle)
	assert.Equal(t, EventFail, e.Kind)
	assert.ErrorIs(t, e.Err, resultcode.FileNotFound)
}

func TestDefaultHTTPClientReportsServerErrorAsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewDefaultHTTPClient(nil, 5*time.Second)
	h := c.MakeRequest(srv.URL + "/broken")

	e := <-c.Events()
	assert.Equal(t, EventFail, e.Kind)
	assert.ErrorIs(t, e.Err, resultcode.HTTP)
}
