package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tiercache-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Probe"))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	f := New(&Config{UserAgent: "tiercache-test"})
	resp, err := f.Fetch(context.Background(), &types.Request{
		URL:     server.URL + "/a",
		Headers: http.Header{"X-Probe": []string{"yes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "payload", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestFetch_PostBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.Method + ":" + string(body)))
	}))
	defer server.Close()

	resp, err := New(nil).Fetch(context.Background(), &types.Request{
		URL:    server.URL,
		Method: http.MethodPost,
		Body:   []byte("q=1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "POST:q=1", string(resp.Body))
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := New(nil).Fetch(context.Background(), &types.Request{URL: server.URL})
		server.Close()

		require.Error(t, err, tt.status)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError), tt.status)
		assert.Equal(t, tt.retryable, errors.IsRetryable(err), tt.status)
	}
}

func TestFetch_MalformedURL(t *testing.T) {
	f := New(nil)
	for _, raw := range []string{"", "not a url", "ftp://host/file", "http://"} {
		_, err := f.Fetch(context.Background(), &types.Request{URL: raw})
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument), raw)
	}
	_, err := f.Fetch(context.Background(), nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestFetch_ConnectionRefusedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(&Config{Timeout: time.Second}).Fetch(context.Background(), &types.Request{URL: addr})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	assert.True(t, errors.IsRetryable(err))
}

func TestFetch_MaxBodySize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer server.Close()

	_, err := New(&Config{MaxBodySize: 10}).Fetch(context.Background(), &types.Request{URL: server.URL})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	assert.False(t, errors.IsRetryable(err))

	resp, err := New(&Config{MaxBodySize: 100}).Fetch(context.Background(), &types.Request{URL: server.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 100)
}

func TestFetch_Canceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(nil).Fetch(ctx, &types.Request{URL: server.URL})
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}

func TestFetch_CircuitBreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(&Config{Breaker: &circuit.Config{FailureThreshold: 2, Timeout: time.Minute}})

	// permanent errors do not count against the host
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), &types.Request{URL: server.URL + "/missing"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	}

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), &types.Request{URL: server.URL + "/down"})
		assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError))
	}
	_, err := f.Fetch(context.Background(), &types.Request{URL: server.URL + "/down"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, int32(5), hits.Load())

	stats := f.Breakers()
	require.Len(t, stats, 1)
	for _, s := range stats {
		assert.Equal(t, circuit.StateOpen, s.State)
	}
}
