package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one websocket consumer of session events.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	taskIDs map[string]bool

	logger *logger.Logger
}

// subscriptionMessage is the only inbound message shape clients send.
type subscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	TaskIDs []string `json:"task_ids"`
}

// readPump consumes subscription messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, taskID := range sub.TaskIDs {
				c.subscribe(taskID)
			}
		case "unsubscribe":
			for _, taskID := range sub.TaskIDs {
				c.unsubscribe(taskID)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// writePump drains the send channel and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a message without blocking; a full buffer means the
// client is too slow and the message is dropped.
func (c *Client) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, taskID)
}

func (c *Client) unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, taskID)
}

func (c *Client) hasSubscriptions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.taskIDs) > 0
}

func (c *Client) isSubscribed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskIDs[taskID]
}
