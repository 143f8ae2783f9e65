package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/webhook/signature"
	v1 "github.com/astridclaw/astrid-agents/pkg/api/v1"
)

const callbackTimeout = 10 * time.Second

// CallbackClient posts signed status callbacks to the task platform.
// Callbacks are observability, not control flow: every failure is
// logged and swallowed so a flaky platform never aborts a run.
type CallbackClient struct {
	url    string
	secret string
	client *http.Client
	logger *logger.Logger
}

func NewCallbackClient(url, secret string, log *logger.Logger) *CallbackClient {
	return &CallbackClient{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: callbackTimeout},
		logger: log.WithFields(zap.String("component", "callbacks")),
	}
}

// Send posts one callback event. One retry on network error or 5xx.
func (c *CallbackClient) Send(ctx context.Context, event string, payload v1.CallbackPayload) {
	if c.url == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal callback payload", zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if lastErr = c.post(ctx, event, body); lastErr == nil {
			return
		}
	}

	c.logger.Warn("callback delivery failed",
		zap.String("event", event),
		zap.String("task_id", payload.TaskID),
		zap.Error(lastErr))
}

func (c *CallbackClient) post(ctx context.Context, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = signature.CallbackHeaders(c.secret, event, body, time.Now())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		// 4xx is not retryable; report it once.
		c.logger.Warn("callback rejected",
			zap.String("event", event),
			zap.Int("status", resp.StatusCode))
	}
	return nil
}
