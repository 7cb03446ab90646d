// Package mock provides a test double for the tts package interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
)

// SynthesizeCall records a single synthesis invocation.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.StreamingProvider. The zero value
// is usable: Synthesize returns PCM and SynthesizeStream emits Chunks.
type Provider struct {
	mu sync.Mutex

	// PCM is returned by Synthesize.
	PCM []byte

	// Chunks is emitted, in order, by the channel SynthesizeStream returns.
	// When empty the stream emits PCM as a single chunk.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by both synthesis methods.
	SynthesizeErr error

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ChunkDelay, if set, is slept between streamed chunks.
	ChunkDelay time.Duration

	// Calls records every synthesis invocation in order.
	Calls []SynthesizeCall

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

// Synthesize records the call and returns the scripted PCM.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	out := make([]byte, len(p.PCM))
	copy(out, p.PCM)
	return out, nil
}

// SynthesizeStream records the call and streams the scripted chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	err := p.SynthesizeErr
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	if len(chunks) == 0 && len(p.PCM) > 0 {
		chunks = [][]byte{p.PCM}
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			buf := make([]byte, len(c))
			copy(buf, c)
			select {
			case <-ctx.Done():
				return
			case out <- buf:
			}
		}
	}()
	return out, nil
}

// CallCount returns how many synthesis calls were made.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// RecordedCalls returns a snapshot of every synthesis invocation.
func (p *Provider) RecordedCalls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}
