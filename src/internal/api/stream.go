package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"herald-main/src/internal/channels"
	"herald-main/src/internal/tasks"
)

// Event is one message pushed to websocket clients.
type Event struct {
	Type    string           `json:"type"`
	Task    *tasks.Task      `json:"task,omitempty"`
	Channel *channels.Status `json:"channel,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cl *client) write(ev Event) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn.WriteJSON(ev)
}

// Hub fans task and channel events out to every connected client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		if err := cl.write(ev); err != nil {
			slog.Warn("failed to push websocket event", "type", ev.Type, "error", err)
			h.remove(cl)
			cl.conn.Close()
		}
	}
}

func (h *Hub) BroadcastTask(t tasks.Task) {
	h.Broadcast(Event{Type: "task", Task: &t})
}

func (h *Hub) BroadcastStatus(st channels.Status) {
	h.Broadcast(Event{Type: "channel_status", Channel: &st})
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		cl.conn.Close()
		delete(h.clients, cl)
	}
}

func (s *Server) handleWebsocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}
	cl := &client{conn: ws}
	defer func() {
		s.hub.remove(cl)
		ws.Close()
	}()

	st := s.Gateway.ChannelStatus()
	if err := cl.write(Event{Type: "channel_status", Channel: &st}); err != nil {
		return
	}
	s.hub.add(cl)

	// Clients only listen; reading drains control frames and notices closes.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
