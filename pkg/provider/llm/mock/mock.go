// Package mock provides a test double for the llm package interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
)

// Provider is a mock implementation of llm.StreamingProvider. The zero value
// is usable: Generate returns Reply and GenerateStream emits Fragments.
type Provider struct {
	mu sync.Mutex

	// Reply is returned by Generate.
	Reply string

	// Fragments is emitted, in order, by the channel GenerateStream returns.
	// When empty the stream emits Reply as a single fragment.
	Fragments []string

	// GenerateErr, if non-nil, is returned by Generate and GenerateStream.
	GenerateErr error

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// FragmentDelay, if set, is slept between streamed fragments.
	FragmentDelay time.Duration

	// Requests records every Generate and GenerateStream invocation.
	Requests []llm.Request

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

// Generate records the request and returns the scripted reply.
func (p *Provider) Generate(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.GenerateErr != nil {
		return "", p.GenerateErr
	}
	return p.Reply, nil
}

// GenerateStream records the request and streams the scripted fragments.
func (p *Provider) GenerateStream(ctx context.Context, req llm.Request) (<-chan string, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	err := p.GenerateErr
	fragments := make([]string, len(p.Fragments))
	copy(fragments, p.Fragments)
	if len(fragments) == 0 && p.Reply != "" {
		fragments = []string{p.Reply}
	}
	delay := p.FragmentDelay
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, f := range fragments {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- f:
			}
		}
	}()
	return out, nil
}

// RequestCount returns how many generation calls were made.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// RecordedRequests returns a snapshot of every generation request.
func (p *Provider) RecordedRequests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.Requests))
	copy(out, p.Requests)
	return out
}
