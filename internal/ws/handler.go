// Package ws bridges a websocket connection to a console session.
//
// Output chunks go to the client as binary frames. The client sends input
// either as binary frames holding raw lines or as text frames holding
// {"session": "<id>", "input": "<line>"}. The server reports problems and the
// end of the session with text frames {"type": "error"|"closed", ...}.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/consolebridge/internal/api"
	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	errClientGone   = errors.New("client disconnected")
	errSessionEnded = errors.New("session ended")
)

type SessionManager interface {
	Attach(id string) (*session.Listener, error)
	Get(id string) (session.Descriptor, error)
	SendInput(id, text string) error
}

type controlMsg struct {
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type inputMsg struct {
	Session string `json:"session"`
	Input   string `json:"input"`
}

type Handler struct {
	manager  SessionManager
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts connections from the given origins; "*" allows any.
// Requests without an Origin header are not browsers and are always allowed.
func NewHandler(manager SessionManager, allowedOrigins []string) *Handler {
	h := &Handler{manager: manager, logger: logging.With("ws")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	listener, err := h.manager.Attach(sessionID)
	if err != nil {
		api.WriteErr(w, err)
		return
	}
	defer listener.Detach()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	log := h.logger.With().Str("session_id", sessionID).Str("listener_id", listener.ID()).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	g, ctx := errgroup.WithContext(r.Context())
	c := &client{
		handler:   h,
		conn:      conn,
		sessionID: sessionID,
		listener:  listener,
		control:   make(chan controlMsg, 16),
		logger:    log,
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error { return c.readPump(ctx) })

	err = g.Wait()
	switch {
	case errors.Is(err, errClientGone), errors.Is(err, context.Canceled):
		log.Info().Msg("client disconnected")
	case errors.Is(err, errSessionEnded):
		log.Info().Msg("session ended, connection closed")
	default:
		log.Warn().Err(err).Msg("connection failed")
	}
}

// client is one websocket connection. Only writePump writes to conn.
type client struct {
	handler   *Handler
	conn      *websocket.Conn
	sessionID string
	listener  *session.Listener
	control   chan controlMsg
	logger    zerolog.Logger
}

func (c *client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-c.listener.Output():
			if !ok {
				reason := c.closeReason()
				_ = c.writeJSON(controlMsg{Type: "closed", Reason: reason})
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session "+reason))
				return errSessionEnded
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return err
			}

		case msg := <-c.control:
			if err := c.writeJSON(msg); err != nil {
				return err
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}

		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return ctx.Err()
		}
	}
}

func (c *client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return errClientGone
		}

		var lines []string
		switch msgType {
		case websocket.BinaryMessage:
			lines = splitLines(string(data))
		case websocket.TextMessage:
			var in inputMsg
			if err := json.Unmarshal(data, &in); err != nil {
				c.sendControl(ctx, controlMsg{Type: "error", Error: "invalid input message"})
				continue
			}
			if in.Session != "" && in.Session != c.sessionID {
				c.sendControl(ctx, controlMsg{Type: "error", Error: "input addressed to session " + in.Session})
				continue
			}
			lines = splitLines(in.Input)
		}

		for _, line := range lines {
			if err := c.handler.manager.SendInput(c.sessionID, line); err != nil {
				if errors.Is(err, errdefs.ErrUnknownSession) {
					// writePump reports the close once the listener drains.
					break
				}
				c.sendControl(ctx, controlMsg{Type: "error", Error: err.Error()})
				break
			}
		}
	}
}

func (c *client) sendControl(ctx context.Context, msg controlMsg) {
	select {
	case c.control <- msg:
	case <-ctx.Done():
	}
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) closeReason() string {
	if c.listener.Lagged() {
		return "lagging"
	}
	if _, err := c.handler.manager.Get(c.sessionID); err != nil {
		return api.UnknownSessionReason(err)
	}
	return "detached"
}

func splitLines(s string) []string {
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
