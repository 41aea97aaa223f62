package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Tokens travel in the query string, so any origin holding one may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is what a live client sends.
type clientFrame struct {
	// Type is focus, blur, send or retry.
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// serverFrame is what the live endpoint sends.
type serverFrame struct {
	// Type is delta, ack or error.
	Type  string             `json:"type"`
	Delta *dispatch.Delta    `json:"delta,omitempty"`
	Entry *store.OutboxEntry `json:"entry,omitempty"`
	Error string             `json:"error,omitempty"`
}

// liveConn serializes writes; gorilla connections allow one writer.
type liveConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (l *liveConn) write(f serverFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteJSON(f); err != nil {
		l.logger.Debug("live write failed", zap.Error(err))
		l.closed = true
		_ = l.conn.Close()
	}
}

func (l *liveConn) ping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		l.closed = true
		_ = l.conn.Close()
		return false
	}
	return true
}

func (l *liveConn) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = l.conn.Close()
	}
}

// Render implements dispatch.Renderer.
func (l *liveConn) Render(d dispatch.Delta) {
	f := serverFrame{Type: "delta", Delta: &d}
	if d.Err != nil {
		f.Type = "error"
		f.Error = d.Err.Error()
	}
	l.write(f)
}

// live upgrades to a websocket bound to one conversation view. The view is
// focused and blurred by the client and closes with the socket.
func (s *Server) live(c *gin.Context) {
	who, convID := caller(c), c.Param("id")
	// Check access before upgrading so errors keep their HTTP status.
	if _, err := s.engine.Get(c.Request.Context(), who, convID); err != nil {
		s.fail(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	logger := s.logger.With(
		zap.String("session_id", uuid.NewString()),
		zap.String("conversation_id", convID),
		zap.String("user_id", who.UserID))
	conn := &liveConn{conn: ws, logger: logger}
	defer conn.close()

	// The view outlives the request context, which ends on hijack for some
	// servers; the socket lifetime bounds it instead.
	view, err := s.engine.OpenConversation(context.Background(), who, convID, conn)
	if err != nil {
		conn.write(serverFrame{Type: "error", Error: err.Error()})
		return
	}
	defer view.Close()
	logger.Debug("live session opened")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-view.Done():
				conn.close()
				return
			case <-ticker.C:
				if !conn.ping() {
					return
				}
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in clientFrame
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("live session read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		switch in.Type {
		case "focus":
			view.Focus()
		case "blur":
			view.Blur()
		case "send":
			entry, err := s.engine.Send(context.Background(), who, convID, in.Text, in.ClientID)
			s.ack(conn, entry, err)
		case "retry":
			entry, err := view.Retry(context.Background(), in.ClientID)
			s.ack(conn, entry, err)
		default:
			conn.write(serverFrame{Type: "error", Error: "unknown frame type " + in.Type})
		}
	}
}

func (s *Server) ack(conn *liveConn, entry store.OutboxEntry, err error) {
	if err != nil {
		conn.write(serverFrame{Type: "error", Error: err.Error()})
		return
	}
	conn.write(serverFrame{Type: "ack", Entry: &entry})
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
