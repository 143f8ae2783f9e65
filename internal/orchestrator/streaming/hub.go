// Package streaming fans session lifecycle events out to websocket
// clients. Clients subscribe to individual task IDs; unsubscribed
// clients receive everything.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/events/bus"
)

const sendBuffer = 64

// Hub tracks connected websocket clients and relays session events
// from the event bus to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byTask  map[string]map[*Client]struct{}

	sub    bus.Subscription
	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		byTask:  make(map[string]map[*Client]struct{}),
		logger:  log.WithFields(zap.String("component", "streaming")),
	}
}

// Start subscribes the hub to all session lifecycle subjects.
func (h *Hub) Start(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe("session.>", h.handleEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Stop drops the bus subscription and disconnects every client.
func (h *Hub) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]struct{})
	h.byTask = make(map[string]map[*Client]struct{})
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The webhook signature is the ingress trust boundary; the
	// websocket endpoint is operational and read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade converts an HTTP request into a registered client and starts
// its pumps.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		taskIDs: make(map[string]bool),
		logger:  h.logger,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for taskID, set := range h.byTask {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byTask, taskID)
			}
		}
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) subscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	set, ok := h.byTask[taskID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byTask[taskID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	if set, ok := h.byTask[taskID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byTask, taskID)
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleEvent relays one bus event to interested clients. A client
// with explicit subscriptions only sees its tasks; a client with none
// sees the full firehose.
func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	taskID, _ := event.Data["task_id"].(string)

	h.mu.RLock()
	for c := range h.clients {
		if c.hasSubscriptions() && !c.isSubscribed(taskID) {
			continue
		}
		if !c.trySend(payload) {
			h.logger.Debug("dropping event for slow client",
				zap.String("type", event.Type))
		}
	}
	h.mu.RUnlock()
	return nil
}
