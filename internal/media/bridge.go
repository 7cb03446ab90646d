// Package media wires a live telephone call to the AI services: it forks
// caller audio to the conversational agent and the transcription service over
// ASP, plays the agent's synthesized audio back toward the caller, and turns
// call.action requests into channel redirects on the external manager
// interface.
//
// The external SIP/RTP stack stays behind two small interfaces. It pushes
// 20 ms capture frames into [Bridge.CaptureFrame] (the only method the
// real-time media callback may touch) and receives playback frames through
// [FrameSink].
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelvoice/kestrel/internal/fork"
	"github.com/kestrelvoice/kestrel/pkg/asp"
	"github.com/kestrelvoice/kestrel/pkg/audio"
)

// FrameSink accepts playback frames for a channel. Implemented by the
// external RTP stack adapter. WriteFrame must tolerate being called once per
// frame period for the lifetime of a call.
type FrameSink interface {
	WriteFrame(channelID string, pcm []byte) error
}

// ChannelControl is the slice of the manager interface the bridge drives in
// response to call.action. Implemented by the ami client.
type ChannelControl interface {
	Redirect(ctx context.Context, channel, dialCtx, exten string, priority int) error
}

// State is the per-call playback state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// Config carries the bridge wiring for one process.
type Config struct {
	AgentURL  string
	ScribeURL string // empty disables the transcription fork

	Format audio.Format
	Audio  asp.AudioConfig
	VAD    asp.VADConfig
	Fork   fork.ManagerConfig

	// Dialplan targets for call.action. Hangup redirects to
	// HangupContext/HangupExten; transfer redirects to TransferContext with
	// the action's target as the extension.
	HangupContext   string
	HangupExten     string
	TransferContext string
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithClientOptions appends options applied to both ASP clients, used by
// tests to shorten handshake timeouts.
func WithClientOptions(opts ...asp.ClientOption) Option {
	return func(b *Bridge) { b.clientOpts = append(b.clientOpts, opts...) }
}

// call is the per-channel bridge state.
type call struct {
	sessionID string
	channelID string
	state     atomic.Int32
	queue     *PlaybackQueue
	cancel    context.CancelFunc

	comfortFrames atomic.Uint64
}

func (c *call) State() State     { return State(c.state.Load()) }
func (c *call) setState(s State) { c.state.Store(int32(s)) }
func (c *call) swapState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Bridge owns the media-side of every live call: fork sessions, ASP client
// sessions, playback pumps, and call.action dispatch.
type Bridge struct {
	cfg        Config
	log        *slog.Logger
	sink       FrameSink
	ctrl       ChannelControl
	clientOpts []asp.ClientOption

	agent      *asp.Client
	scribe     *asp.Client
	agentDest  *ClientDestination
	scribeDest *ClientDestination
	forks      *fork.Manager
	registry   *asp.SessionRegistry

	byChannel sync.Map // channel id -> *call
	bySession sync.Map // session id -> *call
}

// NewBridge creates a bridge. Connect must be called before any call starts.
// ctrl may be nil when no manager interface is configured; call.action is
// then logged and dropped.
func NewBridge(sink FrameSink, ctrl ChannelControl, cfg Config, opts ...Option) *Bridge {
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.DefaultFormat()
	}
	b := &Bridge{
		cfg:      cfg,
		log:      slog.Default(),
		sink:     sink,
		ctrl:     ctrl,
		registry: asp.NewSessionRegistry(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connect dials the agent (required) and scribe (best-effort) services and
// builds the fork manager over them.
func (b *Bridge) Connect(ctx context.Context) error {
	agentOpts := append([]asp.ClientOption{
		asp.WithLogger(b.log.With(slog.String("destination", "agent"))),
		asp.WithAudioHandler(b.handleAgentAudio),
		asp.WithControlHandler(b.handleAgentControl),
		asp.WithReconnectHandler(b.handleAgentReconnect),
	}, b.clientOpts...)
	b.agent = asp.NewClient(b.cfg.AgentURL, agentOpts...)
	if err := b.agent.Connect(ctx); err != nil {
		return fmt.Errorf("media: connect agent: %w", err)
	}
	b.agentDest = NewClientDestination("agent", b.agent, b.agentDown)
	b.agentDest.SetAvailable(true)

	var secondary fork.Destination
	if b.cfg.ScribeURL != "" {
		scribeOpts := append([]asp.ClientOption{
			asp.WithLogger(b.log.With(slog.String("destination", "scribe"))),
		}, b.clientOpts...)
		b.scribe = asp.NewClient(b.cfg.ScribeURL, scribeOpts...)
		b.scribeDest = NewClientDestination("scribe", b.scribe, nil)
		if err := b.scribe.Connect(ctx); err != nil {
			// Transcription is best-effort; the call works without it.
			b.log.Warn("scribe unreachable, transcription fork disabled",
				slog.String("url", b.cfg.ScribeURL),
				slog.Any("error", err))
		} else {
			b.scribeDest.SetAvailable(true)
		}
		secondary = b.scribeDest
	}

	b.forks = fork.NewManager(b.agentDest, secondary, b.log, b.cfg.Fork)
	return nil
}

// StartCall establishes the fork and ASP sessions for a new channel and
// starts its playback pump. Returns the session id assigned to the call.
func (b *Bridge) StartCall(ctx context.Context, channelID string) (string, error) {
	sessionID := uuid.NewString()

	sess, err := b.agent.StartSession(ctx, sessionID, channelID, b.cfg.Audio, b.cfg.VAD)
	if err != nil {
		return "", fmt.Errorf("media: start agent session: %w", err)
	}
	if b.scribe != nil && b.scribeDest.Available() {
		if _, err := b.scribe.StartSession(ctx, sessionID, channelID, sess.Audio, sess.VAD); err != nil {
			b.log.Warn("scribe session not started",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
		}
	}
	if err := b.forks.StartSession(ctx, sessionID, channelID); err != nil {
		_ = b.agent.EndSession(ctx, sessionID, asp.ReasonError)
		return "", err
	}
	b.registry.Register(sessionID)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		sessionID: sessionID,
		channelID: channelID,
		queue:     NewPlaybackQueue(),
		cancel:    cancel,
	}
	c.setState(StateListening)
	b.byChannel.Store(channelID, c)
	b.bySession.Store(sessionID, c)
	go b.pump(pumpCtx, c)

	b.log.Info("call started",
		slog.String("channel_id", channelID),
		slog.String("session_id", sessionID),
		slog.Int("adjustments", len(sess.Adjustments)))
	return sessionID, nil
}

// CaptureFrame is the media-callback entry point: one 20 ms frame of caller
// PCM. It is wait-free apart from the fork's frame copy and never raises.
// Returns false when the channel has no active call.
func (b *Bridge) CaptureFrame(channelID string, pcm []byte) bool {
	v, ok := b.byChannel.Load(channelID)
	if !ok {
		return false
	}
	return b.forks.ForkAudio(v.(*call).sessionID, pcm)
}

// EndCall tears down one channel's sessions. Idempotent.
func (b *Bridge) EndCall(ctx context.Context, channelID, reason string) {
	v, ok := b.byChannel.LoadAndDelete(channelID)
	if !ok {
		return
	}
	c := v.(*call)
	b.bySession.Delete(c.sessionID)
	c.cancel()

	b.forks.SendAudioEnd(ctx, c.sessionID)
	b.forks.StopSession(c.sessionID)
	_ = b.agent.EndSession(ctx, c.sessionID, reason)
	if b.scribe != nil {
		_ = b.scribe.EndSession(ctx, c.sessionID, reason)
	}
	b.registry.Unregister(c.sessionID)

	enq, cleared := c.queue.Stats()
	b.log.Info("call ended",
		slog.String("channel_id", channelID),
		slog.String("session_id", c.sessionID),
		slog.String("reason", reason),
		slog.Int64("playback_bytes", enq),
		slog.Int64("cleared_bytes", cleared),
		slog.Uint64("comfort_frames", c.comfortFrames.Load()))
}

// ActiveCalls returns the number of live calls.
func (b *Bridge) ActiveCalls() int {
	n := 0
	b.byChannel.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close ends every call and both client transports.
func (b *Bridge) Close(ctx context.Context) {
	b.byChannel.Range(func(key, _ any) bool {
		b.EndCall(ctx, key.(string), asp.ReasonHangup)
		return true
	})
	if b.forks != nil {
		b.forks.StopAll()
	}
	if b.agent != nil {
		_ = b.agent.Close()
	}
	if b.scribe != nil {
		_ = b.scribe.Close()
	}
}

// pump pushes one playback frame per frame period. Real audio from the queue
// wins; while the agent is still processing and the queue is empty, comfort
// noise keeps the line alive.
func (b *Bridge) pump(ctx context.Context, c *call) {
	frameBytes := b.cfg.Format.BytesPerFrame()
	ticker := time.NewTicker(time.Duration(b.cfg.Format.FrameDurationMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if frame, ok := c.queue.NextFrame(frameBytes); ok {
			// The first real outbound frame ends the comfort-noise window.
			c.swapState(StateProcessing, StateResponding)
			if err := b.sink.WriteFrame(c.channelID, frame); err != nil {
				b.log.Warn("playback write failed",
					slog.String("channel_id", c.channelID),
					slog.Any("error", err))
			}
			continue
		}

		if c.State() == StateProcessing {
			_ = b.sink.WriteFrame(c.channelID, audio.ComfortNoise(frameBytes))
			c.comfortFrames.Add(1)
		}
	}
}

// handleAgentAudio runs on the agent client's read loop for every outbound
// audio frame. The frame's PCM aliases the read buffer, so it is copied into
// the playback queue before the handler returns.
func (b *Bridge) handleAgentAudio(frame asp.AudioFrame) {
	id, ok := b.registry.Lookup(frame.Hash)
	if !ok {
		return
	}
	v, ok := b.bySession.Load(id)
	if !ok {
		return
	}
	c := v.(*call)

	c.queue.Enqueue(frame.PCM)
	c.swapState(StateProcessing, StateResponding)

	// Mirror agent audio to the transcription fork, best-effort.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	b.forks.SendOutboundAudio(ctx, c.sessionID, frame.PCM)
	cancel()
}

// handleAgentControl runs on the agent client's read loop for speech events,
// response notifications, and call.action.
func (b *Bridge) handleAgentControl(msg asp.Message) {
	v, ok := b.bySession.Load(msg.SessionID)
	if !ok {
		return
	}
	c := v.(*call)

	switch msg.Type {
	case asp.TypeResponseStart:
		c.setState(StateResponding)

	case asp.TypeResponseEnd:
		c.setState(StateListening)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		b.forks.SendOutboundAudioEnd(ctx, c.sessionID)
		cancel()

	case asp.TypeResponseInterrupted:
		dropped := c.queue.Clear()
		c.setState(StateListening)
		b.log.Info("response interrupted, playback cleared",
			slog.String("session_id", c.sessionID),
			slog.Int("dropped_bytes", dropped))

	case asp.TypeSpeechStart:
		// Barge-in: the caller talks over the agent. Whatever is queued is
		// stale the moment speech starts.
		if dropped := c.queue.Clear(); dropped > 0 {
			b.log.Info("barge-in, playback cleared",
				slog.String("session_id", c.sessionID),
				slog.Int("dropped_bytes", dropped))
		}
		c.setState(StateListening)

	case asp.TypeSpeechEnd:
		c.setState(StateProcessing)

	case asp.TypeCallAction:
		go b.dispatchCallAction(msg, c)
	}
}

// dispatchCallAction turns a call.action into a channel redirect. Runs off
// the read loop because the manager round trip blocks.
func (b *Bridge) dispatchCallAction(msg asp.Message, c *call) {
	if b.ctrl == nil {
		b.log.Warn("call.action received but no channel control configured",
			slog.String("session_id", c.sessionID),
			slog.String("action", msg.Action))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch msg.Action {
	case asp.ActionHangup:
		err = b.ctrl.Redirect(ctx, c.channelID, b.cfg.HangupContext, b.cfg.HangupExten, 1)
	case asp.ActionTransfer:
		err = b.ctrl.Redirect(ctx, c.channelID, b.cfg.TransferContext, msg.Target, 1)
	}
	if err != nil {
		b.log.Error("call.action failed",
			slog.String("session_id", c.sessionID),
			slog.String("action", msg.Action),
			slog.String("target", msg.Target),
			slog.Any("error", err))
	}
}

// handleAgentReconnect runs after the agent transport comes back. Sessions do
// not survive a drop; every live call is re-established from scratch.
func (b *Bridge) handleAgentReconnect() {
	b.agentDest.SetAvailable(true)
	b.bySession.Range(func(_, v any) bool {
		c := v.(*call)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := b.agent.StartSession(ctx, c.sessionID, c.channelID, b.cfg.Audio, b.cfg.VAD); err != nil {
				b.log.Error("session re-establishment failed",
					slog.String("session_id", c.sessionID),
					slog.Any("error", err))
				return
			}
			b.forks.DeactivateFallback(c.sessionID)
			b.log.Info("session re-established",
				slog.String("session_id", c.sessionID))
		}()
		return true
	})
}

// agentDown fires on the first failed send of an outage. Every live call
// drops to pass-through until the reconnect loop restores the transport.
func (b *Bridge) agentDown() {
	b.log.Warn("agent destination down, activating fallback")
	b.bySession.Range(func(_, v any) bool {
		b.forks.ActivateFallback(v.(*call).sessionID)
		return true
	})
}
