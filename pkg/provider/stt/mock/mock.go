// Package mock provides a test double for the stt package interfaces.
//
// Use Provider to script transcription results and inspect the PCM that was
// submitted.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	PCM []byte
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider. The zero value is
// usable: every call succeeds and Transcribe returns Transcript.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by Transcribe when Transcripts is empty.
	Transcript string

	// Transcripts, when non-empty, is consumed one entry per Transcribe
	// call; after exhaustion Transcript is returned.
	Transcripts []string

	// TranscribeErr, if non-nil, is returned by Transcribe.
	TranscribeErr error

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// Delay, if set, makes Transcribe sleep before returning, for latency
	// and cancellation tests.
	Delay time.Duration

	// Calls records every Transcribe invocation in order.
	Calls []TranscribeCall

	connected bool
}

// Connect implements provider.Lifecycle.
func (p *Provider) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	p.connected = true
	return nil
}

// Disconnect implements provider.Lifecycle.
func (p *Provider) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Warmup implements provider.Lifecycle.
func (p *Provider) Warmup(context.Context) (time.Duration, error) {
	return 0, nil
}

// HealthCheck implements provider.Lifecycle.
func (p *Provider) HealthCheck(context.Context) provider.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return provider.Health{Status: provider.StatusUnhealthy, Message: "not connected"}
	}
	return provider.Health{Status: provider.StatusHealthy}
}

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	p.mu.Lock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: buf, Cfg: cfg})
	err := p.TranscribeErr
	text := p.Transcript
	if len(p.Transcripts) > 0 {
		text = p.Transcripts[0]
		p.Transcripts = p.Transcripts[1:]
	}
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns how many times Transcribe was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// RecordedCalls returns a snapshot of every Transcribe invocation.
func (p *Provider) RecordedCalls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}
