package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
	"grandmaster/internal/transcript"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is the JSON protocol spoken on /ws.
//
// Client to server: {"type":"message","content":"..."}.
// Server to client: "status" on connect, then one frame per outbound event
// ("text", "pending", "final", "document").
type WSMessage struct {
	Type     string              `json:"type"`
	Content  string              `json:"content,omitempty"`
	ChatID   string              `json:"chat_id,omitempty"`
	Entry    *transcript.Message `json:"entry,omitempty"`
	Filename string              `json:"filename,omitempty"`
	URL      string              `json:"url,omitempty"` // download link for documents
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin UI; Basic auth guards the endpoint
	},
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

func (c *wsClient) send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// wsHub fans outbound events out to every socket of a web session.
type wsHub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{logger: logger, clients: make(map[*wsClient]struct{})}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.WSConnections.Dec()
		c.conn.Close()
	}
}

func (h *wsHub) count(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.chatID == chatID {
			n++
		}
	}
	return n
}

// broadcastToChat writes msg to every client of chatID. Clients that fail
// the write are dropped.
func (h *wsHub) broadcastToChat(chatID string, msg WSMessage) {
	h.mu.RLock()
	var targets []*wsClient
	for c := range h.clients {
		if c.chatID == chatID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			h.logger.Debug("websocket write failed, dropping client", "chat_id", chatID, "err", err)
			h.remove(c)
		}
	}
}

func (h *wsHub) closeAll() {
	h.mu.RLock()
	all := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		h.remove(c)
	}
}

// toWSMessage converts a bus delivery into its socket frame.
func toWSMessage(msg domain.OutboundMessage) WSMessage {
	out := WSMessage{
		Type:    string(msg.Type),
		Content: msg.Content,
		ChatID:  msg.ChatID,
		Entry:   msg.Entry,
	}
	if out.Type == "" {
		out.Type = string(domain.EventText)
	}
	if msg.Attachment != nil {
		out.Filename = msg.Attachment.Filename
		out.URL = "/api/export?filename=" + url.QueryEscape(msg.Attachment.Filename)
	}
	return out
}

// handleWS upgrades the request and pumps client frames into the bus until
// the socket closes.
func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	sessionID := w.getOrCreateSession(r, rw)
	conn, err := upgrader.Upgrade(rw, r, rw.Header())
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, chatID: sessionID}
	w.hub.add(client)
	defer w.hub.remove(client)

	w.logger.Info("websocket client connected", "session", sessionID)
	if err := client.send(WSMessage{Type: "status", Content: "connected", ChatID: sessionID}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("websocket read error", "session", sessionID, "err", err)
			}
			w.logger.Info("websocket client disconnected", "session", sessionID)
			return
		}

		var in WSMessage
		if err := json.Unmarshal(data, &in); err != nil {
			w.logger.Warn("invalid websocket message", "session", sessionID, "err", err)
			_ = client.send(WSMessage{Type: "error", Content: fmt.Sprintf("invalid message: %v", err)})
			continue
		}
		if in.Type != "message" {
			continue
		}
		if err := w.publish(sessionID, in.Content); err != nil {
			_ = client.send(WSMessage{Type: "error", Content: err.Error()})
		}
	}
}
