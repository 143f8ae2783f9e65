// Package webhook is the HTTP surface of the orchestrator: the signed
// webhook ingress plus the operational endpoints used for diagnosis.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/config"
	"github.com/astridclaw/astrid-agents/internal/common/errors"
	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/executor"
	"github.com/astridclaw/astrid-agents/internal/orchestrator"
	"github.com/astridclaw/astrid-agents/internal/orchestrator/streaming"
	"github.com/astridclaw/astrid-agents/internal/session"
	"github.com/astridclaw/astrid-agents/internal/webhook/signature"
	v1 "github.com/astridclaw/astrid-agents/pkg/api/v1"
)

const (
	// maxBodySize bounds inbound webhook payloads.
	maxBodySize = 1 << 20

	// availabilityTTL caches provider CheckAvailable results.
	availabilityTTL = 30 * time.Second

	// stuckThreshold is the default silence window for reset-stuck.
	stuckThreshold = time.Hour
)

// Handler serves the webhook ingress and operational endpoints.
type Handler struct {
	cfg    *config.Config
	store  *session.Store
	orch   *orchestrator.Orchestrator
	router *executor.Router
	hub    *streaming.Hub
	logger *logger.Logger

	// stuck is how long a running session may be silent before
	// reset-stuck flips it.
	stuck time.Duration

	availMu      sync.Mutex
	availability map[string]bool
	availAt      time.Time
}

func NewHandler(cfg *config.Config, store *session.Store, orch *orchestrator.Orchestrator, router *executor.Router, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		router: router,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "webhook")),
		stuck:  stuckThreshold,
	}
}

// Register wires all routes into the engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/health", h.health)

	api := engine.Group("/api/v1")
	api.POST("/webhooks/astrid", h.receive)
	api.GET("/sessions", h.listSessions)
	api.DELETE("/sessions/:taskId", h.deleteSession)
	api.POST("/sessions/reset-stuck", h.resetStuck)
	api.GET("/ws", h.websocket)
}

// NewEngine builds a gin engine with the standard middleware chain.
func NewEngine(log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(Recovery(log))
	engine.Use(RequestLogger(log))
	engine.Use(ErrorHandler(log))
	return engine
}

// receive is the signed webhook ingress. Verification happens against
// the raw body before any parsing; nothing is processed on failure.
func (h *Handler) receive(c *gin.Context) {
	if h.cfg.Webhook.Secret == "" {
		c.Error(errors.ServiceUnavailable("webhook ingress (no signing secret configured)"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.Error(errors.BadRequest("unreadable request body"))
		return
	}

	err = signature.Verify(
		h.cfg.Webhook.Secret,
		c.GetHeader(signature.HeaderSignature),
		c.GetHeader(signature.HeaderTimestamp),
		body,
		time.Now(),
		signature.Options{
			MaxAge:     h.cfg.Webhook.MaxAge(),
			FutureSkew: h.cfg.Webhook.FutureSkew(),
		},
	)
	if err != nil {
		h.logger.Warn("webhook signature rejected", zap.String("reason", signature.Describe(err)))
		c.Error(errors.Unauthorized(signature.Describe(err)))
		return
	}

	event := c.GetHeader(signature.HeaderEvent)
	switch event {
	case v1.EventTaskAssigned, v1.EventCommentCreated:
	default:
		h.logger.Info("ignoring unhandled webhook event", zap.String("event", event))
		c.JSON(http.StatusOK, v1.WebhookAck{Accepted: false, Event: event, Message: "ignored"})
		return
	}

	var evt v1.WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.Error(errors.BadRequest("malformed event payload"))
		return
	}
	if evt.Task.ID == "" {
		c.Error(errors.BadRequest("event has no task id"))
		return
	}

	h.logger.Info("webhook accepted",
		zap.String("event", event),
		zap.String("task_id", evt.Task.ID))

	// Acknowledge before executing; the work may take minutes.
	c.JSON(http.StatusAccepted, v1.WebhookAck{Accepted: true, Event: event})
	h.orch.Dispatch(event, &evt)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:         "ok",
		ActiveSessions: len(h.store.ListActive(c.Request.Context())),
		Providers:      h.providerAvailability(),
	})
}

// providerAvailability probes each registered executor, cached so the
// health endpoint stays cheap under polling.
func (h *Handler) providerAvailability() map[string]bool {
	h.availMu.Lock()
	defer h.availMu.Unlock()

	if h.availability != nil && time.Since(h.availAt) < availabilityTTL {
		return h.availability
	}

	result := make(map[string]bool)
	for _, p := range h.router.Providers() {
		exec, err := h.router.For(p)
		if err != nil {
			result[string(p)] = false
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result[string(p)] = exec.CheckAvailable(ctx) == nil
		cancel()
	}
	h.availability = result
	h.availAt = time.Now()
	return result
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions := h.store.List(c.Request.Context())
	views := make([]v1.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toView(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (h *Handler) deleteSession(c *gin.Context) {
	taskID := c.Param("taskId")

	if _, err := h.store.Get(c.Request.Context(), taskID); err != nil {
		c.Error(errors.NotFound("session", taskID))
		return
	}
	if err := h.store.Delete(c.Request.Context(), taskID); err != nil {
		c.Error(errors.InternalError("deleting session", err))
		return
	}
	h.orch.Locks().Release(taskID)

	h.logger.Info("session force-deleted", zap.String("task_id", taskID))
	c.JSON(http.StatusOK, gin.H{"deleted": taskID})
}

// resetStuck flips long-silent running or pending sessions to
// interrupted so they can be retried.
func (h *Handler) resetStuck(c *gin.Context) {
	ctx := c.Request.Context()
	cutoff := time.Now().Add(-h.stuck)

	var reset []string
	for _, s := range h.store.List(ctx) {
		if s.Status != session.StatusRunning && s.Status != session.StatusPending {
			continue
		}
		if s.LastActivity.After(cutoff) {
			continue
		}
		status := session.StatusInterrupted
		if _, err := h.store.Update(ctx, s.TaskID, session.Patch{Status: &status}); err != nil {
			h.logger.Warn("reset-stuck update failed",
				zap.String("task_id", s.TaskID), zap.Error(err))
			continue
		}
		h.orch.Locks().Release(s.TaskID)
		reset = append(reset, s.TaskID)
	}

	h.logger.Info("reset stuck sessions", zap.Int("count", len(reset)))
	c.JSON(http.StatusOK, v1.ResetStuckResponse{Reset: len(reset), TaskIDs: reset})
}

func (h *Handler) websocket(c *gin.Context) {
	if _, err := h.hub.Upgrade(c.Writer, c.Request); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}

func toView(s *session.Session) v1.SessionView {
	return v1.SessionView{
		TaskID:            s.TaskID,
		Provider:          string(s.Provider),
		Status:            string(s.Status),
		ProviderSessionID: s.ProviderSessionID,
		RepoFullName:      s.RepoFullName,
		Branch:            s.Branch,
		MessageCount:      s.MessageCount,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		LastActivity:      s.LastActivity,
	}
}
