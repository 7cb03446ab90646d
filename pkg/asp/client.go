package asp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultCapabilitiesTimeout = 5 * time.Second
	defaultStartTimeout        = 10 * time.Second
	defaultReconnectInterval   = 5 * time.Second
	defaultMaxReconnects       = 10
)

// ErrLegacyMode is returned by operations that require negotiated
// capabilities when the server never advertised any.
var ErrLegacyMode = errors.New("asp: server is in legacy mode")

// ErrSessionRejected is returned when the server answers session.start with
// status rejected.
var ErrSessionRejected = errors.New("asp: session rejected")

// ErrConnClosed is returned to handshake waiters when the transport drops
// before the reply arrives. The session must be restarted on the next
// connection.
var ErrConnClosed = errors.New("asp: transport closed")

// ClientOption is a functional option for configuring a [Client].
type ClientOption func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithCapabilitiesTimeout sets how long Connect waits for
// protocol.capabilities before entering legacy mode.
func WithCapabilitiesTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.capTimeout = d }
}

// WithStartTimeout sets how long StartSession waits for session.started.
func WithStartTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.startTimeout = d }
}

// WithReconnect sets the fixed reconnect interval and the attempt cap.
func WithReconnect(interval time.Duration, maxAttempts int) ClientOption {
	return func(c *Client) {
		c.reconnectInterval = interval
		c.maxReconnects = maxAttempts
	}
}

// WithControlHandler sets the callback invoked for every server-initiated
// control message (speech events, responses, call.action, text.utterance).
// Handshake replies are consumed internally and not delivered here. The
// callback runs on the read loop; it must not block.
func WithControlHandler(fn func(Message)) ClientOption {
	return func(c *Client) { c.onControl = fn }
}

// WithAudioHandler sets the callback invoked for every binary audio frame
// received from the server. The callback runs on the read loop and the
// frame's PCM aliases the read buffer; copy it before handing off.
func WithAudioHandler(fn func(AudioFrame)) ClientOption {
	return func(c *Client) { c.onAudio = fn }
}

// WithReconnectHandler sets the callback invoked after a successful
// reconnect. Sessions do not survive a transport drop; the callback is where
// the owner re-establishes them from scratch.
func WithReconnectHandler(fn func()) ClientOption {
	return func(c *Client) { c.onReconnect = fn }
}

// ClientSession is the client-side record of one negotiated session.
type ClientSession struct {
	ID          string
	CallID      string
	Audio       AudioConfig
	VAD         VADConfig
	Legacy      bool
	StartedAt   time.Time
	Adjustments []Adjustment
}

// Client is the media-server side of an ASP connection to one AI service.
// It owns the WebSocket, performs the capabilities handshake, negotiates
// sessions, and reconnects on transport drop with a fixed interval and a
// capped attempt count.
type Client struct {
	url string
	log *slog.Logger

	capTimeout        time.Duration
	startTimeout      time.Duration
	reconnectInterval time.Duration
	maxReconnects     int

	onControl   func(Message)
	onAudio     func(AudioFrame)
	onReconnect func()

	mu         sync.Mutex
	conn       *websocket.Conn
	connClosed chan struct{} // closed by the read loop when this conn dies
	caps       *Capabilities
	legacy     bool
	sessions   map[string]*ClientSession
	pending    map[string]chan Message

	reconnects atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a client for the given ws:// or wss:// URL. Connect must
// be called before any session operation.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:               url,
		log:               slog.Default(),
		capTimeout:        defaultCapabilitiesTimeout,
		startTimeout:      defaultStartTimeout,
		reconnectInterval: defaultReconnectInterval,
		maxReconnects:     defaultMaxReconnects,
		sessions:          make(map[string]*ClientSession),
		pending:           make(map[string]chan Message),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the server and waits for its protocol.capabilities. If the
// server stays silent past the capabilities timeout, the client enters
// legacy mode and sessions are started without negotiation.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("asp: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	capCh := make(chan Capabilities, 1)
	connClosed := make(chan struct{})
	go c.readLoop(conn, capCh, connClosed)

	select {
	case caps := <-capCh:
		c.mu.Lock()
		c.conn = conn
		c.connClosed = connClosed
		c.caps = &caps
		c.legacy = false
		c.mu.Unlock()
		c.log.Info("asp client connected",
			slog.String("url", c.url),
			slog.String("version", caps.Version))
	case <-time.After(c.capTimeout):
		c.mu.Lock()
		c.conn = conn
		c.connClosed = connClosed
		c.caps = nil
		c.legacy = true
		c.mu.Unlock()
		c.log.Warn("no capabilities received, entering legacy mode",
			slog.String("url", c.url),
			slog.Duration("waited", c.capTimeout))
	case <-ctx.Done():
		conn.Close(websocket.StatusGoingAway, "connect cancelled")
		return ctx.Err()
	}
	return nil
}

// Legacy reports whether the connection operates without negotiation.
func (c *Client) Legacy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legacy
}

// Capabilities returns the server's advertised capabilities, or false in
// legacy mode.
func (c *Client) Capabilities() (Capabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps == nil {
		return Capabilities{}, false
	}
	return *c.caps, true
}

// Reconnects returns how many times the transport has been re-established.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// StartSession sends session.start and waits for session.started. In legacy
// mode the requested config is used unchanged without waiting for
// negotiation detail. A rejected status returns [ErrSessionRejected] wrapped
// with the first server error.
func (c *Client) StartSession(ctx context.Context, sessionID, callID string, audio AudioConfig, vad VADConfig) (*ClientSession, error) {
	msg := NewForSession(TypeSessionStart, sessionID)
	msg.CallID = callID
	msg.Audio = &audio
	msg.VAD = &vad

	reply := make(chan Message, 1)
	c.mu.Lock()
	legacy := c.legacy
	closed := c.connClosed
	c.pending[sessionID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, sessionID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case started := <-reply:
		if started.Status == StatusRejected {
			err := error(ErrSessionRejected)
			if len(started.Errors) > 0 {
				err = fmt.Errorf("%w: %s", ErrSessionRejected, started.Errors[0].Message)
			}
			return nil, err
		}
		sess := &ClientSession{
			ID:        sessionID,
			CallID:    callID,
			Audio:     audio,
			VAD:       vad,
			Legacy:    legacy,
			StartedAt: time.Now(),
		}
		if started.Negotiated != nil {
			sess.Audio = started.Negotiated.Audio
			sess.VAD = started.Negotiated.VAD
			sess.Adjustments = started.Negotiated.Adjustments
		}
		c.mu.Lock()
		c.sessions[sessionID] = sess
		c.mu.Unlock()
		return sess, nil
	case <-time.After(c.startTimeout):
		return nil, fmt.Errorf("asp: session.started not received within %s", c.startTimeout)
	case <-closed:
		return nil, fmt.Errorf("asp: session.start %s: %w", sessionID, ErrConnClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New("asp: client closed")
	}
}

// UpdateVAD sends a VAD-only session.update and waits for session.updated.
// Audio is immutable mid-session and cannot be changed here.
func (c *Client) UpdateVAD(ctx context.Context, sessionID string, vad VADConfig) (VADConfig, error) {
	msg := NewForSession(TypeSessionUpdate, sessionID)
	msg.VAD = &vad

	reply := make(chan Message, 1)
	c.mu.Lock()
	closed := c.connClosed
	c.pending[sessionID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, sessionID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return VADConfig{}, err
	}

	select {
	case updated := <-reply:
		applied := vad
		if updated.Negotiated != nil {
			applied = updated.Negotiated.VAD
		}
		c.mu.Lock()
		if sess, ok := c.sessions[sessionID]; ok {
			sess.VAD = applied
		}
		c.mu.Unlock()
		return applied, nil
	case <-time.After(c.startTimeout):
		return VADConfig{}, fmt.Errorf("asp: session.updated not received within %s", c.startTimeout)
	case <-closed:
		return VADConfig{}, fmt.Errorf("asp: session.update %s: %w", sessionID, ErrConnClosed)
	case <-ctx.Done():
		return VADConfig{}, ctx.Err()
	case <-c.done:
		return VADConfig{}, errors.New("asp: client closed")
	}
}

// EndSession sends session.end and forgets the session without waiting for
// session.ended.
func (c *Client) EndSession(ctx context.Context, sessionID, reason string) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	msg := NewForSession(TypeSessionEnd, sessionID)
	msg.Reason = reason
	return c.send(ctx, msg)
}

// SendControl sends an arbitrary control message, for event types with no
// request/reply pairing such as audio.speech_start.
func (c *Client) SendControl(ctx context.Context, msg Message) error {
	return c.send(ctx, msg)
}

// SendAudio frames and sends one chunk of PCM for a session.
func (c *Client) SendAudio(ctx context.Context, sessionID string, dir Direction, pcm []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("asp: not connected")
	}
	frame := EncodeAudioFrame(sessionID, dir, pcm)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("asp: write audio frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Active sessions are abandoned; the server
// observes the transport close.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
	})
	return nil
}

func (c *Client) send(ctx context.Context, msg Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("asp: not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("asp: write %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop owns one connection for its lifetime. The first capabilities
// message goes to capCh; handshake replies resolve pending waits; everything
// else is handed to the control and audio callbacks. On transport error it
// closes connClosed, failing every in-flight handshake wait on this
// connection, then hands off to the reconnect loop.
func (c *Client) readLoop(conn *websocket.Conn, capCh chan<- Capabilities, connClosed chan struct{}) {
	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			close(connClosed)
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Warn("asp transport dropped", slog.String("url", c.url), slog.Any("error", err))
			go c.reconnectLoop()
			return
		}

		if typ == websocket.MessageBinary {
			frame, err := DecodeAudioFrame(data)
			if err != nil {
				c.log.Warn("dropping malformed audio frame", slog.Any("error", err))
				continue
			}
			if c.onAudio != nil {
				c.onAudio(frame)
			}
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed control message", slog.Any("error", err))
			continue
		}

		switch msg.Type {
		case TypeCapabilities:
			if msg.Capabilities != nil {
				select {
				case capCh <- *msg.Capabilities:
				default:
				}
			}
		case TypeSessionStarted, TypeSessionUpdated:
			c.mu.Lock()
			reply := c.pending[msg.SessionID]
			c.mu.Unlock()
			if reply != nil {
				select {
				case reply <- msg:
				default:
				}
			}
		case TypeSessionEnded:
			// Fire-and-forget shutdown: nothing waits on this.
		case TypeProtocolError:
			c.log.Warn("server protocol error",
				slog.String("session_id", msg.SessionID),
				slog.Any("error", msg.Error))
			if c.onControl != nil {
				c.onControl(msg)
			}
		default:
			if c.onControl != nil {
				c.onControl(msg)
			}
		}
	}
}

// reconnectLoop re-establishes the transport at a fixed interval up to the
// attempt cap. Session state does not survive; after a successful reconnect
// the owner is notified and starts sessions from scratch.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	c.conn = nil
	c.sessions = make(map[string]*ClientSession)
	c.mu.Unlock()

	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.reconnectInterval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.reconnectInterval)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.reconnects.Add(1)
			c.log.Info("asp reconnected",
				slog.String("url", c.url),
				slog.Int("attempt", attempt))
			if c.onReconnect != nil {
				c.onReconnect()
			}
			return
		}
		c.log.Warn("asp reconnect failed",
			slog.String("url", c.url),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxReconnects),
			slog.Any("error", err))
	}
	c.log.Error("asp reconnect attempts exhausted", slog.String("url", c.url))
}
