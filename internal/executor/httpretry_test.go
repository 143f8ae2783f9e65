package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

func newTestClient(maxRetries int) (*retryingClient, *[]time.Duration) {
	c := newRetryingClient(maxRetries, logger.Default())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestRetryingClient_SuccessNoRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(3)
	body, err := c.do(context.Background(), srv.URL, map[string]string{"Authorization": "Bearer k"}, []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Empty(t, *slept)
}

func TestRetryingClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`done`))
	}))
	defer srv.Close()

	c, slept := newTestClient(5)
	body, err := c.do(context.Background(), srv.URL, nil, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, *slept, 2)
	// Exponential growth: with jitter the delay stays within [base, 1.5*base).
	assert.GreaterOrEqual(t, (*slept)[0], retryBaseDelay)
	assert.GreaterOrEqual(t, (*slept)[1], 2*retryBaseDelay)
}

func TestRetryingClient_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c, slept := newTestClient(3)
	_, err := c.do(context.Background(), srv.URL, nil, []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Equal(t, 2*time.Second, (*slept)[0])
}

func TestRetryingClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`bad key`))
	}))
	defer srv.Close()

	c, _ := newTestClient(3)
	_, err := c.do(context.Background(), srv.URL, nil, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryingClient_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(2)
	_, err := c.do(context.Background(), srv.URL, nil, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestRetryingClient_ContextCancelAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(5)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := c.do(ctx, srv.URL, nil, []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
}
