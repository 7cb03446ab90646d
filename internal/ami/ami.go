// Package ami implements the small slice of the Asterisk Manager Interface
// that Kestrel needs: log in, redirect a channel to a dialplan location, and
// answer pings for readiness checks.
//
// AMI is a line-oriented text protocol over TCP. Each action is a block of
// "Key: Value" headers terminated by a blank line; responses mirror the shape
// and are correlated by ActionID. The client allows a single in-flight
// request; concurrent callers serialize on an internal mutex. A connection
// lost between requests is re-established transparently before the next one.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// ErrLoginFailed is returned when Asterisk refuses the manager credentials.
var ErrLoginFailed = errors.New("ami: login failed")

// ErrActionFailed is returned when an action's response is not Success.
var ErrActionFailed = errors.New("ami: action failed")

// Config carries the manager endpoint and credentials.
type Config struct {
	Addr     string // host:port of the manager interface
	Username string
	Secret   string
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithDialTimeout bounds the TCP connect plus login exchange.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithRequestTimeout bounds one action round trip.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// Client is a serialized AMI client. All exported methods are safe for
// concurrent use; requests are processed one at a time.
type Client struct {
	cfg            Config
	log            *slog.Logger
	dialTimeout    time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	actionSeq  atomic.Uint64
	reconnects atomic.Int64

	closed atomic.Bool
}

// NewClient creates a client. No connection is made until [Client.Connect] or
// the first request.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:            cfg,
		log:            slog.Default(),
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the manager and logs in. It is safe to call again after a
// transport failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked establishes the transport and performs the login exchange.
// Callers hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ami: dial %s: %w", c.cfg.Addr, err)
	}
	reader := bufio.NewReader(conn)

	// Asterisk sends a one-line banner before accepting actions.
	_ = conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("ami: read banner: %w", err)
	}

	c.conn = conn
	c.reader = reader

	resp, err := c.roundTripLocked(ctx, "Login",
		"Username", c.cfg.Username,
		"Secret", c.cfg.Secret,
	)
	if err != nil {
		c.dropLocked()
		return err
	}
	if resp["Response"] != "Success" {
		c.dropLocked()
		return fmt.Errorf("%w: %s", ErrLoginFailed, resp["Message"])
	}

	c.log.Info("ami connected",
		slog.String("addr", c.cfg.Addr),
		slog.String("banner", strings.TrimSpace(banner)))
	return nil
}

// Redirect moves a live channel to the given dialplan context/extension.
// Success is defined by the response's Response: Success header.
func (c *Client) Redirect(ctx context.Context, channel, dialCtx, exten string, priority int) error {
	if priority <= 0 {
		priority = 1
	}
	resp, err := c.request(ctx, "Redirect",
		"Channel", channel,
		"Context", dialCtx,
		"Exten", exten,
		"Priority", strconv.Itoa(priority),
	)
	if err != nil {
		return err
	}
	if resp["Response"] != "Success" {
		return fmt.Errorf("%w: redirect %s: %s", ErrActionFailed, channel, resp["Message"])
	}
	c.log.Info("channel redirected",
		slog.String("channel", channel),
		slog.String("context", dialCtx),
		slog.String("exten", exten),
		slog.Int("priority", priority))
	return nil
}

// Ping checks liveness of the manager connection, reconnecting if needed.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.request(ctx, "Ping")
	if err != nil {
		return err
	}
	if resp["Response"] != "Success" {
		return fmt.Errorf("%w: ping: %s", ErrActionFailed, resp["Message"])
	}
	return nil
}

// Reconnects returns how many times the transport has been re-established
// after the initial connect.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close logs off and tears down the connection. Subsequent requests fail.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		// Best-effort logoff; the server closes the socket in response.
		_, _ = c.roundTripLocked(context.Background(), "Logoff")
	}
	c.dropLocked()
	return nil
}

// request serializes one action round trip, re-establishing the transport
// first when a previous failure dropped it.
func (c *Client) request(ctx context.Context, action string, headers ...string) (map[string]string, error) {
	if c.closed.Load() {
		return nil, errors.New("ami: client closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	reconnected := false
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
		reconnected = true
	}

	resp, err := c.roundTripLocked(ctx, action, headers...)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	if reconnected {
		c.reconnects.Add(1)
	}
	return resp, nil
}

// roundTripLocked writes one action and reads headers until the response with
// the matching ActionID arrives. Unsolicited event blocks are skipped.
// Callers hold c.mu.
func (c *Client) roundTripLocked(ctx context.Context, action string, headers ...string) (map[string]string, error) {
	actionID := strconv.FormatUint(c.actionSeq.Add(1), 10)

	var b strings.Builder
	b.WriteString("Action: " + action + "\r\n")
	b.WriteString("ActionID: " + actionID + "\r\n")
	for i := 0; i+1 < len(headers); i += 2 {
		b.WriteString(headers[i] + ": " + headers[i+1] + "\r\n")
	}
	b.WriteString("\r\n")

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("ami: write %s: %w", action, err)
	}

	for {
		block, err := c.readBlockLocked()
		if err != nil {
			return nil, fmt.Errorf("ami: read %s response: %w", action, err)
		}
		if block["ActionID"] == actionID {
			return block, nil
		}
		// An event or a stale response; keep reading for our correlation id.
	}
}

// readBlockLocked reads one header block up to its terminating blank line.
func (c *Client) readBlockLocked() (map[string]string, error) {
	block := make(map[string]string)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(block) == 0 {
				continue
			}
			return block, nil
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		block[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// dropLocked discards the connection so the next request reconnects.
// Callers hold c.mu.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}
