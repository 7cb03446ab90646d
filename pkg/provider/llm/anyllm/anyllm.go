// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.NewOllama("llama3.2")
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
)

// Provider implements llm.StreamingProvider by wrapping
// github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	logger  *slog.Logger

	mu          sync.Mutex
	lastLatency time.Duration
	lastErr     error
}

// Option is a functional option for configuring the Provider wrapper itself.
// Backend credentials and endpoints are configured through any-llm-go options
// passed to New.
type Option func(*Provider)

// WithLogger sets the structured logger used for stream-level errors.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o-mini", "claude-3-5-haiku-latest").
//
// backendOpts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to the relevant environment variable (e.g., OPENAI_API_KEY).
func New(providerName, model string, backendOpts []anyllmlib.Option, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	p := &Provider{backend: backend, model: model, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, backendOpts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, backendOpts)
}

// NewAnthropic creates a Provider backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, backendOpts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, backendOpts)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, backendOpts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, backendOpts)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Connect implements provider.Lifecycle. any-llm-go backends are stateless
// HTTP clients, so there is no connection to open.
func (p *Provider) Connect(context.Context) error { return nil }

// Disconnect implements provider.Lifecycle.
func (p *Provider) Disconnect(context.Context) error { return nil }

// Warmup implements provider.Lifecycle. It issues a one-token completion so
// the first conversational turn does not pay connection setup and any
// server-side model load.
func (p *Provider) Warmup(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := p.Generate(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: "ok"}},
		MaxTokens: 1,
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// HealthCheck implements provider.Lifecycle. It reports the outcome and
// latency of the most recent generation.
func (p *Provider) HealthCheck(context.Context) provider.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := provider.Health{Status: provider.StatusHealthy, Latency: p.lastLatency}
	if p.lastErr != nil {
		h.Status = provider.StatusUnhealthy
		h.Message = p.lastErr.Error()
	}
	return h
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (string, error) {
	start := time.Now()
	text, err := p.generate(ctx, req)
	p.record(time.Since(start), err)
	return text, err
}

func (p *Provider) generate(ctx context.Context, req llm.Request) (string, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// GenerateStream implements llm.StreamingProvider. Fragments are emitted as
// the backend produces them; the channel closes when generation completes,
// the backend fails, or ctx is cancelled. Backend errors that occur after
// streaming has begun are logged and recorded for HealthCheck.
func (p *Provider) GenerateStream(ctx context.Context, req llm.Request) (<-chan string, error) {
	start := time.Now()
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan string, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case ch <- text:
			case <-ctx.Done():
				p.record(time.Since(start), ctx.Err())
				return
			}
		}

		// The error channel resolves only after the chunk channel drains.
		err := <-backendErrs
		if err != nil {
			p.logger.Error("llm stream failed", "model", p.model, "error", err)
		}
		p.record(time.Since(start), err)
	}()

	return ch, nil
}

func (p *Provider) record(latency time.Duration, err error) {
	p.mu.Lock()
	p.lastLatency = latency
	p.lastErr = err
	p.mu.Unlock()
}

// buildParams converts our Request into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	return params
}
