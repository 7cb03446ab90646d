package asp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ServerSession is the server-side record of one negotiated session.
type ServerSession struct {
	ID        string
	CallID    string
	Audio     AudioConfig
	VAD       VADConfig
	Metadata  map[string]any
	StartedAt time.Time
}

// ServerHooks are the service callbacks driven by a [ServerConn]. All hooks
// run on the connection's read loop, so a hook that blocks stalls the
// socket; hand heavy work to a goroutine. Any hook may be nil.
type ServerHooks struct {
	// OnSessionStart fires after a session has been negotiated and
	// session.started sent.
	OnSessionStart func(conn *ServerConn, sess *ServerSession)

	// OnSessionUpdate fires after a VAD update has been applied.
	OnSessionUpdate func(conn *ServerConn, sess *ServerSession)

	// OnAudio fires for each binary frame that resolved to a session.
	// The frame's PCM aliases the read buffer; copy before handing off.
	OnAudio func(conn *ServerConn, sess *ServerSession, frame AudioFrame)

	// OnControl fires for event messages with no handshake semantics:
	// speech events, response notifications, call.action, text.utterance.
	OnControl func(conn *ServerConn, msg Message)

	// OnSessionEnd fires when the client ends a session or the transport
	// drops with sessions still open (reason is then "error").
	OnSessionEnd func(conn *ServerConn, sess *ServerSession, reason string)
}

// ServerOption is a functional option for configuring a [Server].
type ServerOption func(*Server)

// WithServerLogger sets the structured logger. Defaults to slog.Default.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerID sets the identifier stamped on protocol.capabilities.
func WithServerID(id string) ServerOption {
	return func(s *Server) { s.serverID = id }
}

// WithDefaultVAD sets the VAD config applied when a client starts a session
// without one.
func WithDefaultVAD(vad VADConfig) ServerOption {
	return func(s *Server) { s.defaultVAD = vad }
}

// Server is the AI-service side of ASP. One Server accepts many WebSocket
// connections; each connection carries its own sessions and hash registry.
type Server struct {
	caps       Capabilities
	hooks      ServerHooks
	log        *slog.Logger
	serverID   string
	defaultVAD VADConfig
}

// NewServer creates a server advertising the given capabilities.
func NewServer(caps Capabilities, hooks ServerHooks, opts ...ServerOption) *Server {
	if caps.Version == "" {
		caps.Version = ProtocolVersion
	}
	s := &Server{
		caps:  caps,
		hooks: hooks,
		log:   slog.Default(),
		defaultVAD: VADConfig{
			Enabled:            true,
			SilenceThresholdMs: 500,
			MinSpeechMs:        250,
			Threshold:          0.5,
			RingBufferFrames:   5,
			SpeechRatio:        0.4,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away. It implements http.Handler so a Server mounts directly on a mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(1 << 20)

	conn := &ServerConn{
		server:   s,
		ws:       ws,
		log:      s.log.With(slog.String("remote", r.RemoteAddr)),
		registry: NewSessionRegistry(),
		sessions: make(map[string]*ServerSession),
	}
	conn.serve(r.Context())
}

// ServerConn is one live client connection. The service sends its own
// events and audio back through it; writes are safe from any goroutine.
type ServerConn struct {
	server   *Server
	ws       *websocket.Conn
	log      *slog.Logger
	registry *SessionRegistry

	mu       sync.Mutex
	sessions map[string]*ServerSession
}

// Session returns the session with the given id, if present.
func (c *ServerConn) Session(sessionID string) (*ServerSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	return sess, ok
}

// Send writes a control message to the client.
func (c *ServerConn) Send(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("asp: write %s: %w", msg.Type, err)
	}
	return nil
}

// SendAudio frames and writes one chunk of PCM to the client.
func (c *ServerConn) SendAudio(ctx context.Context, sessionID string, dir Direction, pcm []byte) error {
	frame := EncodeAudioFrame(sessionID, dir, pcm)
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("asp: write audio frame: %w", err)
	}
	return nil
}

func (c *ServerConn) serve(ctx context.Context) {
	caps := New(TypeCapabilities)
	caps.Version = c.server.caps.Version
	caps.Capabilities = &c.server.caps
	caps.ServerID = c.server.serverID
	if err := c.Send(ctx, caps); err != nil {
		c.log.Warn("failed to send capabilities", slog.Any("error", err))
		c.ws.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.teardown()
			return
		}
		if typ == websocket.MessageBinary {
			c.handleAudio(data)
			continue
		}
		c.handleControl(ctx, data)
	}
}

// teardown ends every remaining session when the transport drops.
func (c *ServerConn) teardown() {
	c.mu.Lock()
	remaining := make([]*ServerSession, 0, len(c.sessions))
	for _, sess := range c.sessions {
		remaining = append(remaining, sess)
	}
	c.sessions = make(map[string]*ServerSession)
	c.mu.Unlock()

	for _, sess := range remaining {
		c.registry.Unregister(sess.ID)
		c.log.Warn("session ended by transport drop", slog.String("session_id", sess.ID))
		if c.server.hooks.OnSessionEnd != nil {
			c.server.hooks.OnSessionEnd(c, sess, ReasonError)
		}
	}
}

func (c *ServerConn) handleAudio(data []byte) {
	frame, err := DecodeAudioFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed audio frame", slog.Any("error", err))
		return
	}
	id, ok := c.registry.Lookup(frame.Hash)
	if !ok {
		// Unknown hash is not fatal; the frame likely raced a session end.
		return
	}
	c.mu.Lock()
	sess := c.sessions[id]
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if c.server.hooks.OnAudio != nil {
		c.server.hooks.OnAudio(c, sess, frame)
	}
}

func (c *ServerConn) handleControl(ctx context.Context, data []byte) {
	msg, err := Parse(data)
	if err != nil {
		detail := ErrorDetail{
			Code:     CodeInvalidJSON,
			Category: CategoryProtocol,
			Message:  err.Error(),
		}
		if d, ok := err.(*ErrorDetail); ok {
			detail = *d
		}
		_ = c.Send(ctx, ProtocolError("", detail))
		return
	}

	switch msg.Type {
	case TypeSessionStart:
		c.handleSessionStart(ctx, msg)
	case TypeSessionUpdate:
		c.handleSessionUpdate(ctx, msg)
	case TypeSessionEnd:
		c.handleSessionEnd(ctx, msg)
	case TypeSpeechStart, TypeSpeechEnd, TypeResponseStart, TypeResponseEnd,
		TypeResponseInterrupted, TypeCallAction, TypeTextUtterance:
		if !c.knownSession(ctx, msg) {
			return
		}
		if c.server.hooks.OnControl != nil {
			c.server.hooks.OnControl(c, msg)
		}
	default:
		_ = c.Send(ctx, ProtocolError(msg.SessionID, ErrorDetail{
			Code:     CodeUnknownType,
			Category: CategoryProtocol,
			Message:  fmt.Sprintf("unexpected message type %q", msg.Type),
		}))
	}
}

// knownSession answers event messages for unregistered sessions with a
// protocol error and reports whether processing may continue.
func (c *ServerConn) knownSession(ctx context.Context, msg Message) bool {
	c.mu.Lock()
	_, ok := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if !ok {
		_ = c.Send(ctx, ProtocolError(msg.SessionID, ErrorDetail{
			Code:        CodeUnknownSession,
			Category:    CategorySession,
			Message:     fmt.Sprintf("unknown session %q", msg.SessionID),
			Recoverable: true,
		}))
	}
	return ok
}

func (c *ServerConn) handleSessionStart(ctx context.Context, msg Message) {
	c.mu.Lock()
	_, exists := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if exists {
		_ = c.Send(ctx, ProtocolError(msg.SessionID, ErrorDetail{
			Code:        CodeDuplicateSession,
			Category:    CategorySession,
			Message:     fmt.Sprintf("session %q already started", msg.SessionID),
			Recoverable: true,
		}))
		return
	}

	// Legacy clients omit audio or VAD; fill in defaults before negotiating.
	audio := AudioConfig{SampleRate: 8000, Encoding: "pcm_s16le", Channels: 1, FrameDurationMs: 20}
	if msg.Audio != nil {
		audio = *msg.Audio
	}
	vad := c.server.defaultVAD
	if msg.VAD != nil {
		vad = *msg.VAD
	}

	result := Negotiate(c.server.caps, audio, vad)

	started := NewForSession(TypeSessionStarted, msg.SessionID)
	started.Status = result.Status
	if result.Status == StatusRejected {
		started.Errors = result.Errors
		_ = c.Send(ctx, started)
		c.log.Warn("session rejected",
			slog.String("session_id", msg.SessionID),
			slog.Int("errors", len(result.Errors)))
		return
	}
	started.Negotiated = result.Negotiated()

	sess := &ServerSession{
		ID:        msg.SessionID,
		CallID:    msg.CallID,
		Audio:     result.Audio,
		VAD:       result.VAD,
		Metadata:  msg.Metadata,
		StartedAt: time.Now(),
	}
	c.mu.Lock()
	c.sessions[msg.SessionID] = sess
	c.mu.Unlock()
	if collision := c.registry.Register(msg.SessionID); collision {
		c.log.Warn("session hash collision, earlier session keeps the key",
			slog.String("session_id", msg.SessionID))
	}

	if err := c.Send(ctx, started); err != nil {
		c.log.Warn("failed to send session.started", slog.Any("error", err))
		return
	}
	c.log.Info("session started",
		slog.String("session_id", msg.SessionID),
		slog.String("call_id", msg.CallID),
		slog.String("status", string(result.Status)),
		slog.Int("adjustments", len(result.Adjustments)))
	if c.server.hooks.OnSessionStart != nil {
		c.server.hooks.OnSessionStart(c, sess)
	}
}

func (c *ServerConn) handleSessionUpdate(ctx context.Context, msg Message) {
	if !c.knownSession(ctx, msg) {
		return
	}
	result := NegotiateUpdate(c.server.caps, *msg.VAD)

	c.mu.Lock()
	sess := c.sessions[msg.SessionID]
	sess.VAD = result.VAD
	c.mu.Unlock()

	updated := NewForSession(TypeSessionUpdated, msg.SessionID)
	updated.Status = result.Status
	updated.Negotiated = &Negotiated{Audio: sess.Audio, VAD: result.VAD, Adjustments: result.Adjustments}
	if err := c.Send(ctx, updated); err != nil {
		c.log.Warn("failed to send session.updated", slog.Any("error", err))
		return
	}
	if c.server.hooks.OnSessionUpdate != nil {
		c.server.hooks.OnSessionUpdate(c, sess)
	}
}

func (c *ServerConn) handleSessionEnd(ctx context.Context, msg Message) {
	c.mu.Lock()
	sess, ok := c.sessions[msg.SessionID]
	delete(c.sessions, msg.SessionID)
	c.mu.Unlock()
	if !ok {
		_ = c.Send(ctx, ProtocolError(msg.SessionID, ErrorDetail{
			Code:        CodeUnknownSession,
			Category:    CategorySession,
			Message:     fmt.Sprintf("unknown session %q", msg.SessionID),
			Recoverable: true,
		}))
		return
	}
	c.registry.Unregister(msg.SessionID)

	ended := NewForSession(TypeSessionEnded, msg.SessionID)
	ended.Reason = msg.Reason
	ended.DurationSeconds = time.Since(sess.StartedAt).Seconds()
	_ = c.Send(ctx, ended)
	c.log.Info("session ended",
		slog.String("session_id", msg.SessionID),
		slog.String("reason", msg.Reason),
		slog.Float64("duration_s", ended.DurationSeconds))
	if c.server.hooks.OnSessionEnd != nil {
		c.server.hooks.OnSessionEnd(c, sess, msg.Reason)
	}
}
