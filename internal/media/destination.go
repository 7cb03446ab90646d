package media

import (
	"context"
	"sync/atomic"

	"github.com/kestrelvoice/kestrel/pkg/asp"
)

// ClientDestination adapts an [asp.Client] to the fork consumer's
// Destination contract. Availability is tracked locally: a failed send marks
// the destination down so consumers back off instead of hammering a dead
// transport, and the client's reconnect handler marks it up again.
type ClientDestination struct {
	name      string
	client    *asp.Client
	available atomic.Bool

	// onDown fires once per outage, on the first failed send after a period
	// of availability.
	onDown func()
}

// NewClientDestination wraps client. The destination starts unavailable
// until [ClientDestination.SetAvailable] is called after connect.
func NewClientDestination(name string, client *asp.Client, onDown func()) *ClientDestination {
	return &ClientDestination{name: name, client: client, onDown: onDown}
}

// Name returns the destination label used in logs and metrics.
func (d *ClientDestination) Name() string { return d.name }

// Available reports whether sends are currently expected to succeed.
func (d *ClientDestination) Available() bool {
	return d.available.Load()
}

// SetAvailable flips the availability flag, typically from the connect and
// reconnect paths.
func (d *ClientDestination) SetAvailable(ok bool) {
	d.available.Store(ok)
}

// SendAudio delivers one caller-side frame.
func (d *ClientDestination) SendAudio(ctx context.Context, sessionID string, pcm []byte) error {
	err := d.client.SendAudio(ctx, sessionID, asp.DirectionInbound, pcm)
	d.track(err)
	return err
}

// SendAudioEnd signals end of caller audio with an audio.speech_end event.
func (d *ClientDestination) SendAudioEnd(ctx context.Context, sessionID string) error {
	err := d.client.SendControl(ctx, asp.NewForSession(asp.TypeSpeechEnd, sessionID))
	d.track(err)
	return err
}

// SendOutboundAudio delivers one agent-side frame, used by the transcription
// path to capture both directions of the call.
func (d *ClientDestination) SendOutboundAudio(ctx context.Context, sessionID string, pcm []byte) error {
	err := d.client.SendAudio(ctx, sessionID, asp.DirectionOutbound, pcm)
	d.track(err)
	return err
}

// SendOutboundAudioEnd signals end of agent audio with a response.end event.
func (d *ClientDestination) SendOutboundAudioEnd(ctx context.Context, sessionID string) error {
	err := d.client.SendControl(ctx, asp.NewForSession(asp.TypeResponseEnd, sessionID))
	d.track(err)
	return err
}

func (d *ClientDestination) track(err error) {
	if err == nil {
		d.available.Store(true)
		return
	}
	if d.available.CompareAndSwap(true, false) && d.onDown != nil {
		d.onDown()
	}
}
