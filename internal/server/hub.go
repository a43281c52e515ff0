package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

// Hub fans synthesized reports out to connected WebSocket clients. Dashboards
// subscribe here instead of polling the REST endpoints.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	nextID  int
}

type wsClient struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex // serializes writes
}

// wsMessage is the envelope every hub message travels in.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload pipeline.Report `json:"payload"`
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*wsClient)}
}

// HandleWS is the HTTP handler for the /ws endpoint. The connection stays
// open receiving broadcasts until the client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dashboards connect from arbitrary origins
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("client-%d", h.nextID)
	client := &wsClient{conn: c, ctx: ctx}
	h.clients[id] = client
	h.mu.Unlock()

	slog.Info("websocket client connected", "id", id, "remote", r.RemoteAddr)

	// Clients only listen; the read loop just detects disconnects.
	for {
		if _, _, err := c.Read(ctx); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	c.Close(websocket.StatusNormalClosure, "")
	slog.Info("websocket client disconnected", "id", id)
}

// Broadcast sends a report to every connected client. Slow or dead clients
// are skipped; the read loop reaps them.
func (h *Hub) Broadcast(report pipeline.Report) {
	data, err := json.Marshal(wsMessage{Type: "report", Payload: report})
	if err != nil {
		slog.Warn("failed to marshal report broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		client.mu.Lock()
		ctx, cancel := context.WithTimeout(client.ctx, 5*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		client.mu.Unlock()
		if err != nil {
			slog.Debug("websocket write failed", "id", id, "error", err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
