// Package ws streams task progress events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/pkgferry/pkgferry/internal/events"
)

// Client is one WebSocket connection subscribed to a single task's stream.
type Client struct {
	conn     *websocket.Conn
	taskID   string
	listener *events.Listener
	hub      *Hub
}

// Hub tracks connected WebSocket clients and bridges them to the event hub.
// Each client receives only the events of the task it connected for.
type Hub struct {
	mu      sync.Mutex
	events  *events.Hub
	clients map[*Client]struct{}
}

// NewHub creates a WebSocket hub over the event hub.
func NewHub(ev *events.Hub) *Hub {
	return &Hub{
		events:  ev,
		clients: make(map[*Client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "task_id", c.taskID, "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.events.Unsubscribe(c.taskID, c.listener)
		slog.Info("ws client disconnected", "task_id", c.taskID, "clients", len(h.clients))
	}
}

// Serve upgrades the request and streams the task's events until the client
// disconnects or the connection breaks.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:     conn,
		taskID:   taskID,
		listener: h.events.Subscribe(taskID),
		hub:      h,
	}
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump consumes inbound frames. Clients have nothing to say on this
// stream; reading only detects disconnects and keeps pings flowing.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards the task's events to the connection as JSON text frames.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case e, ok := <-c.listener.C():
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("ws marshal event", "error", err)
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every client. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.events.Unsubscribe(c.taskID, c.listener)
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
