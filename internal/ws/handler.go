// Package ws bridges WebSocket connections to conversation sessions. One
// connection carries JSON control frames and binary opus audio in both
// directions; after the hello exchange every inbound frame is routed into
// the session's workflow and every workflow output is written back out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalia-ai/vocalia/internal/session"
)

// closeFlushTimeout bounds the best-effort state flush after a disconnect.
const closeFlushTimeout = 5 * time.Second

// UserStore is the user lookup performed after token verification.
type UserStore interface {
	UserActive(ctx context.Context, userID int64) (bool, error)
}

// Handler upgrades /ws/chat requests and serves the chat protocol.
type Handler struct {
	sessions  *session.Manager
	users     UserStore
	jwtSecret string
	audio     session.AudioParams
	log       *slog.Logger
}

// NewHandler creates the bridge. The audio params are advertised to clients
// in the server hello.
func NewHandler(sessions *session.Manager, users UserStore, jwtSecret string, audio session.AudioParams, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sessions:  sessions,
		users:     users,
		jwtSecret: jwtSecret,
		audio:     audio,
		log:       log,
	}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", "err", err)
		return
	}
	// Large opus batches and long text turns exceed the default read limit.
	sock.SetReadLimit(1 << 20)

	claims, clientID, err := h.authenticate(r)
	if err != nil {
		h.log.Info("connection rejected", "remote", r.RemoteAddr, "err", err)
		sock.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	c := &client{
		h:        h,
		sock:     sock,
		claims:   claims,
		clientID: clientID,
		copilot:  r.URL.Query().Get("chat_mode") == "copilot",
		log: h.log.With(
			"user_id", claims.UserID,
			"client_id", clientID,
		),
	}
	c.log.Info("client connected", "copilot", c.copilot)
	c.serve(r.Context())
}

// authenticate verifies the bearer token and the required connection
// parameters. All failures map to close code 1008.
func (h *Handler) authenticate(r *http.Request) (*Claims, string, error) {
	token := BearerToken(r)
	if token == "" {
		return nil, "", errors.New("missing token")
	}
	claims, err := ParseToken(h.jwtSecret, token)
	if err != nil {
		return nil, "", err
	}

	if headerOrQuery(r, "Protocol-Version", "protocol_version") == "" {
		return nil, "", errors.New("missing protocol_version")
	}
	clientID := headerOrQuery(r, "Client-Id", "client_id")
	if clientID == "" {
		return nil, "", errors.New("missing client_id")
	}

	active, err := h.users.UserActive(r.Context(), claims.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("user lookup: %w", err)
	}
	if !active {
		return nil, "", fmt.Errorf("user %d not found or disabled", claims.UserID)
	}
	return claims, clientID, nil
}

// client is the per-connection state. The read loop runs on the connection
// goroutine; outbound writes also come from workflow goroutines and are
// serialized by wmu.
type client struct {
	h        *Handler
	sock     *websocket.Conn
	claims   *Claims
	clientID string
	copilot  bool
	log      *slog.Logger

	wmu sync.Mutex
	ctx context.Context

	helloDone bool
	agentID   int64
	sess      *session.Session
}

func (c *client) serve(ctx context.Context) {
	c.ctx = ctx
	defer c.teardown()

	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && ctx.Err() == nil {
				c.log.Debug("read failed", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.sendError(400, "malformed JSON", nil)
				continue
			}
			c.dispatch(ctx, msg)
		}
	}
}

func (c *client) dispatch(ctx context.Context, msg clientMessage) {
	if msg.Type == "hello" {
		c.handleHello()
		return
	}
	if !c.helloDone {
		c.sendError(400, "hello exchange required", map[string]any{"got": msg.Type})
		return
	}

	switch msg.Type {
	case "text":
		c.handleText(ctx, msg)
	case "listen":
		c.handleListen(msg)
	case "abort":
		if c.sess != nil {
			if err := c.sess.Abort(); err != nil {
				c.log.Warn("abort failed", "err", err)
			}
		}
	case "mcp":
		// Reserved pass-through, recorded and ignored.
		c.log.Info("mcp message received", "bytes", len(msg.Payload))
	default:
		c.sendError(400, "unknown message type", map[string]any{"type": msg.Type})
	}
}

func (c *client) handleHello() {
	c.writeJSON(helloMessage{
		Type:      "hello",
		Transport: "websocket",
		AudioParams: audioParams{
			Format:        "opus",
			SampleRate:    c.h.audio.SampleRate,
			Channels:      1,
			FrameDuration: c.h.audio.FrameDurationMs,
		},
	})
	c.helloDone = true
}

// handleText routes one typed message, creating or switching the session
// when needed. Switching agents tears the current workflow down first.
func (c *client) handleText(ctx context.Context, msg clientMessage) {
	if msg.AgentID == 0 {
		c.sendError(400, "agent_id required", nil)
		return
	}
	if c.sess != nil && c.agentID != msg.AgentID {
		c.log.Info("switching agent", "from", c.agentID, "to", msg.AgentID)
		c.sess.Close(ctx)
		c.sess = nil
	}
	if c.sess == nil {
		sess, err := c.h.sessions.Attach(ctx, c.claims.UserID, msg.AgentID, c.copilot, c.callbacks())
		if err != nil {
			c.log.Warn("session attach failed", "agent_id", msg.AgentID, "err", err)
			c.sendError(404, "agent unavailable", map[string]any{"agent_id": msg.AgentID})
			return
		}
		c.sess = sess
		c.agentID = msg.AgentID
	}
	if err := c.sess.PushText(msg.Content); err != nil {
		c.sendError(500, "message not accepted", nil)
	}
}

func (c *client) handleListen(msg clientMessage) {
	switch msg.State {
	case "start":
		if c.sess == nil {
			c.sendError(400, "no active session, send a text message first", nil)
			return
		}
		c.sess.Listen(true)
	case "stop":
		if c.sess != nil {
			c.sess.Listen(false)
		}
	case "detect":
		// Wake-word hint from the client side recognizer.
		c.log.Info("wake word detected", "text", msg.Text, "mode", msg.Mode)
	default:
		c.sendError(400, "unknown listen state", map[string]any{"state": msg.State})
	}
}

func (c *client) handleAudio(packet []byte) {
	if !c.helloDone || c.sess == nil {
		return
	}
	if err := c.sess.PushAudio(packet); err != nil {
		c.log.Debug("audio push failed", "err", err)
	}
}

// callbacks adapts workflow outputs to protocol frames.
func (c *client) callbacks() session.Callbacks {
	return session.Callbacks{
		SendSentence: func(text, emotion string) {
			if text == "" {
				c.writeJSON(llmMessage{Type: "llm", Finished: true})
				return
			}
			c.writeJSON(llmMessage{Type: "llm", Content: text, Emotion: emotion})
		},
		SendAudio: func(frame []byte) {
			c.writeBinary(frame)
		},
		SendTTSStatus: func(event, text string) {
			c.writeJSON(ttsMessage{Type: "tts", State: event, Text: text})
		},
	}
}

func (c *client) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "err", err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.sock.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("write failed", "err", err)
	}
}

func (c *client) writeBinary(data []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.sock.Write(c.ctx, websocket.MessageBinary, data); err != nil {
		c.log.Debug("write failed", "err", err)
	}
}

func (c *client) sendError(code int, message string, details map[string]any) {
	c.writeJSON(errorMessage{Type: "error", Code: code, Message: message, Details: details})
}

// teardown closes the session after a disconnect. The flush runs on its own
// context because the request context is already canceled.
func (c *client) teardown() {
	if c.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		c.sess.Close(ctx)
		c.sess = nil
	}
	c.sock.Close(websocket.StatusNormalClosure, "")
	c.log.Info("client disconnected")
}
