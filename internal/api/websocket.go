package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediaposte/server/internal/session"
	"go.uber.org/zap"
)

const (
	// Supported WebSocket protocol versions
	ProtocolVersion1 = "mediaposte-v1"

	defaultPingInterval = 30 * time.Second
	pongWait            = 60 * time.Second
	writeTimeout        = 10 * time.Second
)

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebSocketError represents an error message sent over WebSocket
type WebSocketError struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// streamConnection is one client following the events of a session.
type streamConnection struct {
	conn    *websocket.Conn
	session *session.Session
	version string
	// replies carries answers to client messages; events come straight
	// from the session.
	replies chan []byte
	done    chan struct{}
	log     *zap.Logger
}

// WebSocketHandlers streams session events to clients.
type WebSocketHandlers struct {
	sessions *SessionHandlers
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWebSocketHandlers creates a new WebSocket handlers instance
func NewWebSocketHandlers(sessions *SessionHandlers, allowedOrigins []string, log *zap.Logger) *WebSocketHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandlers{
		sessions: sessions,
		log:      log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin.
				return origin == "" || originAllowed(allowedOrigins, origin)
			},
		},
	}
}

// HandleStream handles GET /api/v1/sessions/{id}/ws. Authentication runs
// before the upgrade, in the route middleware.
func (h *WebSocketHandlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.session(w, r)
	if !ok {
		return
	}

	requested := r.Header.Get("Sec-WebSocket-Protocol")
	version := negotiateVersion(requested)
	if version == "" {
		h.log.Info("websocket version negotiation failed", zap.String("requested", requested))
		respondWithError(w, http.StatusBadRequest, "UnsupportedProtocol", "Unsupported protocol version")
		return
	}

	var responseHeaders http.Header
	if requested != "" {
		responseHeaders = http.Header{}
		responseHeaders.Set("Sec-WebSocket-Protocol", version)
	}
	conn, err := h.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamConnection{
		conn:    conn,
		session: s,
		version: version,
		replies: make(chan []byte, 16),
		done:    make(chan struct{}),
		log:     h.log.With(zap.String("session", s.ID)),
	}
	c.log.Debug("stream opened", zap.String("version", version))

	go c.writePump()
	go c.readPump()
}

// negotiateVersion selects the highest supported protocol version
func negotiateVersion(requested string) string {
	if requested == "" {
		return ProtocolVersion1
	}
	supportedVersions := []string{ProtocolVersion1}
	for _, supported := range supportedVersions {
		for _, v := range strings.Split(requested, ",") {
			if strings.TrimSpace(v) == supported {
				return supported
			}
		}
	}
	return ""
}

// readPump answers client messages and notices the client leaving.
func (c *streamConnection) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(64 << 10)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.reply(WebSocketError{Type: "error", Error: "Invalid message format", Code: "InvalidMessageFormat"})
			continue
		}
		switch msg.Type {
		case "ping":
			c.reply(WebSocketMessage{Type: "pong", ID: msg.ID})
		case "snapshot":
			data, err := json.Marshal(c.session.Snapshot())
			if err != nil {
				c.reply(WebSocketError{Type: "error", ID: msg.ID, Error: "Snapshot failed", Code: "InternalError"})
				continue
			}
			c.reply(WebSocketMessage{Type: "snapshot", ID: msg.ID, Data: data})
		default:
			c.reply(WebSocketError{Type: "error", ID: msg.ID, Error: "Unknown message type", Code: "UnknownMessageType"})
		}
	}
}

func (c *streamConnection) reply(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("marshal websocket reply failed", zap.Error(err))
		return
	}
	select {
	case c.replies <- b:
	default:
		c.log.Warn("websocket reply dropped: channel full")
	}
}

// writePump forwards session events and replies until the client leaves
// or the session closes.
func (c *streamConnection) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	events := c.session.Events()
	for {
		select {
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				c.log.Warn("marshal event failed", zap.Error(err))
				continue
			}
			if !c.write(websocket.TextMessage, b) {
				return
			}

		case b := <-c.replies:
			if !c.write(websocket.TextMessage, b) {
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}

		case <-c.session.Done():
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
			return

		case <-c.done:
			return
		}
	}
}

func (c *streamConnection) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
