package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// retryingClient wraps an HTTP client with exponential backoff on
// rate limits and transient server errors.
type retryingClient struct {
	client     *http.Client
	maxRetries int
	logger     *logger.Logger
	// sleep is swapped out in tests
	sleep func(context.Context, time.Duration) error
}

func newRetryingClient(maxRetries int, log *logger.Logger) *retryingClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retryingClient{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: maxRetries,
		logger:     log,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do posts the body, retrying on 429 and 5xx with exponential backoff
// and jitter. A Retry-After header on a 429 overrides the computed
// delay. Non-retryable failures return the response body as the error.
func (c *retryingClient) do(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	var lastErr error
	var lastRetryAfter time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			if lastRetryAfter > 0 {
				delay = lastRetryAfter
			}
			c.logger.Warn("retrying provider request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastRetryAfter = 0
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			lastRetryAfter = 0
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		err = fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(respBody), 512))
		if !retryableStatus(resp.StatusCode) {
			return nil, err
		}
		lastErr = err
		lastRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}
