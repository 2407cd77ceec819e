// Package push delivers realtime notifications to the browser extension
// over a websocket. The design is deliberately single-client: one user,
// one browser; a new connection replaces the old one.
package push

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Notification type kinds pushed to the client. The extension switches
// on these, so the set is fixed wire vocabulary.
const (
	TypeNotification      = "notification"
	TypeTrigger           = "trigger"
	TypeContextReminder   = "context_reminder"
	TypeConflictWarning   = "conflict_warning"
	TypeUpdateConfirm     = "update_confirm"
	TypeActionPerformed   = "action_performed"
	TypeEventCompleted    = "event_completed"
	TypeEventScheduled    = "event_scheduled"
	TypeEventSnoozed      = "event_snoozed"
	TypeEventIgnored      = "event_ignored"
	TypeEventDismissed    = "event_dismissed"
	TypeEventDeleted      = "event_deleted"
	TypeEventUpdated      = "event_updated"
	TypeEventAcknowledged = "event_acknowledged"
)

// ErrNoClient reports that no websocket client is connected. Callers
// that need delivery (the reminder scheduler) retry on it.
var ErrNoClient = errors.New("no websocket client connected")

// writeTimeout bounds how long a single Send may block on a slow or
// dead client.
const writeTimeout = 10 * time.Second

// Envelope is one pushed message.
type Envelope struct {
	Type      string `json:"type"`
	EventID   int64  `json:"event_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub holds the single active websocket connection. Safe for concurrent
// use; nil-safe: Send on a nil *Hub reports ErrNoClient.
type Hub struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 32 * 1024,
			// The extension connects from arbitrary page origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleUpgrade upgrades an HTTP request to the hub's websocket. A
// previous connection, if any, is closed: last connection wins.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	h.mu.Lock()
	if h.conn != nil {
		h.logger.Info("replacing existing websocket client", "remote", r.RemoteAddr)
		_ = h.conn.Close()
	}
	h.conn = conn
	h.mu.Unlock()

	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	go h.readLoop(conn)
}

// readLoop drains inbound frames so pings and close frames are
// processed. The client never sends application data; anything readable
// is discarded.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
				h.logger.Info("websocket client disconnected")
			}
			h.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

// Connected reports whether a client is attached.
func (h *Hub) Connected() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Send pushes an envelope to the connected client. Returns ErrNoClient
// when nobody is connected; a write failure drops the connection and is
// returned to the caller.
func (h *Hub) Send(env Envelope) error {
	if h == nil {
		return ErrNoClient
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return ErrNoClient
	}

	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := h.conn.WriteJSON(env); err != nil {
		h.logger.Warn("websocket write failed, dropping client", "error", err)
		_ = h.conn.Close()
		h.conn = nil
		return err
	}
	return nil
}

// Close shuts the active connection, if any.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}
