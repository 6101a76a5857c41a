package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	closeGracePeriod = time.Second
	writeWait        = 10 * time.Second
)

type wsConn struct {
	ws        *websocket.Conn
	wmu       sync.Mutex
	writeWait time.Duration
}

// NewWebSocketConn adapts an upgraded WebSocket connection. Every data frame is
// one message; frames larger than limit end the connection.
func NewWebSocketConn(ws *websocket.Conn, limit int) Conn {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	ws.SetReadLimit(int64(limit))
	return &wsConn{ws: ws, writeWait: writeWait}
}

func (c *wsConn) ReadMessage() (Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err == nil {
		return Message{Text: trimEOL(string(data))}, nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, io.EOF) {
		return Message{EOF: true}, nil
	}
	return Message{}, err
}

func (c *wsConn) WriteMessage(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a best-effort close frame before dropping the connection. It
// does not take wmu: WriteControl may run alongside a stalled WriteMessage.
func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// NewUpgrader builds an upgrader that accepts the listed origins. "*" allows any
// origin; an empty list keeps gorilla's same-origin check.
func NewUpgrader(allowedOrigins []string, bufSize int, logger *slog.Logger) *websocket.Upgrader {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &websocket.Upgrader{
		ReadBufferSize:  bufSize,
		WriteBufferSize: bufSize,
	}
	allowed, allowAll := normalizeOrigins(allowedOrigins, logger)
	if len(allowed) == 0 && !allowAll {
		return u
	}
	u.CheckOrigin = func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin, ok := normalizeOrigin(r.Header.Get("Origin"))
		if ok {
			if _, found := allowed[origin]; found {
				return true
			}
		}
		logger.Warn("blocked websocket origin", "origin", r.Header.Get("Origin"))
		return false
	}
	return u
}

func normalizeOrigins(origins []string, logger *slog.Logger) (map[string]struct{}, bool) {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin", "origin", origin)
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return allowed, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
