// Package llm defines the Provider interface for Large Language Model
// backends.
//
// The conversational service drives one of these per turn: the caller's
// transcript goes in, the agent's reply comes out. Providers that implement
// [StreamingProvider] additionally expose the token stream, which the
// sentence pipeline splits and feeds to TTS before the full reply exists.
//
// Implementations must be safe for concurrent use. Channels returned by
// GenerateStream must be closed by the implementation when generation ends
// or the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/kestrelvoice/kestrel/pkg/provider"
)

// Message is one turn of conversation history.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the turn's text.
	Content string
}

// Request carries everything the model needs to produce a reply.
type Request struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the history.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero uses the
	// provider default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	provider.Lifecycle

	// Generate sends req to the model and waits for the full reply text.
	Generate(ctx context.Context, req Request) (string, error)
}

// StreamingProvider is implemented by backends that can emit the reply
// incrementally.
type StreamingProvider interface {
	Provider

	// GenerateStream sends req to the model and returns a read-only channel
	// of text fragments as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled; callers must drain it.
	// Errors after the stream opens terminate it early; callers that need
	// to distinguish should fall back to Generate.
	GenerateStream(ctx context.Context, req Request) (<-chan string, error)
}
