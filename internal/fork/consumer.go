package fork

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// State is the consumer lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Destination is a downstream sink for forked audio. The conversational and
// transcription services both present this face to the consumer.
type Destination interface {
	// Available reports whether the destination can currently accept
	// frames. The consumer backs off instead of spinning when the primary
	// is unavailable.
	Available() bool

	// SendAudio delivers one frame of PCM for a session.
	SendAudio(ctx context.Context, sessionID string, pcm []byte) error

	// SendAudioEnd signals that no more audio follows for a session.
	SendAudioEnd(ctx context.Context, sessionID string) error
}

// ConsumerConfig tunes the drain loop. Zero values fall back to defaults.
type ConsumerConfig struct {
	PollInterval   time.Duration // sleep when the ring was empty (10 ms)
	BatchSize      int           // frames popped per iteration (10)
	LagWarn        time.Duration // per-frame lag warning threshold (100 ms)
	BackoffInitial time.Duration // primary-unavailable backoff start (100 ms)
	BackoffMax     time.Duration // backoff cap (5 s)
	StopTimeout    time.Duration // bounded drain on stop (2 s)
}

func (c *ConsumerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LagWarn <= 0 {
		c.LagWarn = 100 * time.Millisecond
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
}

// Consumer drains one session's ring and hands frames to up to two
// destinations, best-effort. Delivery is defined by the primary; the
// secondary's failures are silent.
type Consumer struct {
	sessionID string
	ring      *Ring
	primary   Destination
	secondary Destination
	log       *slog.Logger
	cfg       ConsumerConfig

	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	delivered atomic.Uint64
	failed    atomic.Uint64
	lagWarns  atomic.Uint64
}

// NewConsumer creates a consumer for one session. secondary may be nil.
func NewConsumer(sessionID string, ring *Ring, primary, secondary Destination, log *slog.Logger, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		sessionID: sessionID,
		ring:      ring,
		primary:   primary,
		secondary: secondary,
		log:       log.With(slog.String("session_id", sessionID)),
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Delivered returns how many frames the primary accepted.
func (c *Consumer) Delivered() uint64 { return c.delivered.Load() }

// Failed returns how many frames the primary refused.
func (c *Consumer) Failed() uint64 { return c.failed.Load() }

// Start launches the drain loop. It is an error to start a consumer twice.
func (c *Consumer) Start(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state.Store(int32(StateRunning))
	go c.run(loopCtx)
}

// Stop cancels the loop and waits for it to drain, bounded by StopTimeout.
// It is idempotent.
func (c *Consumer) Stop() {
	state := State(c.state.Load())
	if state == StateStopped && c.cancel == nil {
		return
	}
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if !c.state.CompareAndSwap(int32(StateError), int32(StateStopping)) {
			return
		}
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(c.cfg.StopTimeout):
		c.log.Warn("consumer did not stop within bound",
			slog.Duration("timeout", c.cfg.StopTimeout))
	}
	c.state.Store(int32(StateStopped))
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	backoff := c.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.primary.Available() {
			// Jittered exponential backoff; never spin on a dead primary.
			wait := jitter(backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}
		backoff = c.cfg.BackoffInitial

		sent := 0
		for sent < c.cfg.BatchSize {
			frame, ok := c.ring.Pop()
			if !ok {
				break
			}
			if frame.SessionID != c.sessionID {
				continue
			}
			if lag := frame.Age(time.Now()); lag > c.cfg.LagWarn {
				if n := c.lagWarns.Add(1); n <= 3 || n%50 == 0 {
					c.log.Warn("fork frame lag",
						slog.Duration("lag", lag),
						slog.Uint64("frame_seq", frame.Seq))
				}
			}
			c.deliver(ctx, frame.Data)
			sent++
		}

		if sent == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, pcm []byte) {
	if err := c.primary.SendAudio(ctx, c.sessionID, pcm); err != nil {
		c.failed.Add(1)
	} else {
		c.delivered.Add(1)
	}
	if c.secondary != nil {
		// Transcription is best-effort; its failure is not a delivery
		// failure.
		_ = c.secondary.SendAudio(ctx, c.sessionID, pcm)
	}
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}
