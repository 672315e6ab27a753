package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AnshRaj112/clara-backend/internal/chat"
	"github.com/AnshRaj112/clara-backend/internal/middleware"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongWait     = 90 * time.Second
	wsPingPeriod   = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Event types sent to the client.
const (
	EventStage = "stage"
	EventReply = "reply"
	EventError = "error"
	EventPong  = "pong"
)

// ChatClientMessage represents messages coming from the frontend over WebSocket.
type ChatClientMessage struct {
	Type string `json:"type"` // "message", "continue", "ping"
	Text string `json:"text,omitempty"`
}

// ChatEvent is one server-to-client frame. A turn produces stage events in
// order followed by a reply or an error.
type ChatEvent struct {
	Type    string           `json:"type"`
	Stage   chat.Stage       `json:"stage,omitempty"`
	Turn    *chat.TurnResult `json:"turn,omitempty"`
	Status  *chat.Status     `json:"status,omitempty"`
	Code    int              `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.origins[normalizeOrigin(origin)]
		},
	}
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(evt ChatEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(evt)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// ChatWebSocket runs turns over a WebSocket so the client can show progress.
// Authentication happens before the upgrade (Authorization header or ?token=).
func (h *Handler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFrom(r.Context())

	raw, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}
	ctx := r.Context()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	raw.SetReadLimit(wsReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg ChatClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "message", "continue":
			req := chat.TurnRequest{
				UserID:   sess.ChatID,
				Message:  msg.Text,
				Continue: msg.Type == "continue",
				OnStage: func(st chat.Stage) {
					_ = conn.send(ChatEvent{Type: EventStage, Stage: st})
				},
			}
			res, err := h.chat.Turn(ctx, req)
			if err != nil {
				code, text := h.turnError(sess.ChatID, err)
				evt := ChatEvent{Type: EventError, Code: code, Message: text}
				if code == http.StatusTooManyRequests {
					st := h.chat.Status(ctx, sess.ChatID)
					evt.Status = &st
				}
				if conn.send(evt) != nil {
					return
				}
				continue
			}
			if conn.send(ChatEvent{Type: EventReply, Turn: &res}) != nil {
				return
			}
		case "ping":
			if conn.send(ChatEvent{Type: EventPong}) != nil {
				return
			}
		default:
			// Ignore unknown types
		}
	}
}
