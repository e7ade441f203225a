// ABOUTME: Live session transports: server-sent events and websocket connections
// ABOUTME: Both implement session.Connection; websocket frames also carry user input

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/biznet-io/coday/internal/auth"
	"github.com/biznet-io/coday/internal/events"
	"github.com/biznet-io/coday/internal/session"
)

// errConnClosed is returned by Send after the connection was closed.
var errConnClosed = errors.New("connection closed")

// sseConn writes one "data: <json>" frame per event.
type sseConn struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, rc: http.NewResponseController(w), flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) Send(ctx context.Context, e events.Event) error {
	data, err := e.JSON()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.rc.SetWriteDeadline(deadline)
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream finished. It waits for an in-flight Send so the
// handler never returns while the writer is in use.
func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *sseConn) Done() <-chan struct{} { return c.done }

// handleEvents streams the session of ?clientId= as server-sent events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	username := auth.Username(r.Context())
	if existing, ok := g.sessions.Get(clientID); ok && existing.Username() != username {
		g.sendSessionError(w, session.ErrSessionOwned)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn(w, flusher)
	_, created, err := g.sessions.GetOrCreate(clientID, username, conn)
	if err != nil {
		g.logger.Warn("event stream rejected", "client_id", clientID, "error", err)
		return
	}
	g.logger.Debug("event stream attached", "client_id", clientID, "created", created)

	select {
	case <-r.Context().Done():
		_ = conn.Close()
		g.logger.Debug("event stream closed by client", "client_id", clientID)
	case <-conn.Done():
		g.logger.Debug("event stream released", "client_id", clientID)
	}
}

// wsConn sends events as JSON text frames.
type wsConn struct {
	ws *websocket.Conn

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

func (c *wsConn) Send(ctx context.Context, e events.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, e)
}

// Close starts the close handshake without waiting for it.
func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		go func() { _ = c.ws.Close(websocket.StatusNormalClosure, "session closed") }()
	})
	return nil
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

// inboundFrame is a client-to-server websocket message.
type inboundFrame struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// handleWebSocket attaches a websocket to the session of ?clientId= and
// reads user input from it until the peer leaves.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	username := auth.Username(r.Context())
	if existing, ok := g.sessions.Get(clientID); ok && existing.Username() != username {
		g.sendSessionError(w, session.ErrSessionOwned)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "client_id", clientID, "error", err)
		return
	}

	conn := newWSConn(ws)
	sess, _, err := g.sessions.GetOrCreate(clientID, username, conn)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	g.logger.Debug("websocket attached", "client_id", clientID)

	for {
		var frame inboundFrame
		if err := wsjson.Read(r.Context(), ws, &frame); err != nil {
			select {
			case <-conn.Done():
			default:
				g.logger.Debug("websocket read ended", "client_id", clientID, "error", err)
			}
			_ = conn.Close()
			return
		}
		g.handleFrame(r.Context(), sess, conn, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, sess *session.Session, conn *wsConn, frame inboundFrame) {
	reply := func(e events.Event) {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = conn.Send(sendCtx, e)
	}

	switch frame.Type {
	case "message":
		if _, err := g.submit(sess, frame.Content, frame.IdempotencyKey); err != nil {
			reply(events.Error(err.Error()))
		}
	case "stop":
		sess.Touch()
		if rt, err := sess.Runtime(); err == nil {
			rt.Stop()
		}
	default:
		reply(events.Warn(fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}
