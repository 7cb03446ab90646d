// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Transcription is utterance-level: each Transcribe call opens a stream,
// writes the buffered PCM, closes the stream, and joins the final results.
// That matches the turn-based conversation flow, where audio arrives as
// complete utterances gated by voice activity detection.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// writeChunkBytes keeps individual WebSocket frames small so the server
	// can begin decoding before the full utterance arrives.
	writeChunkBytes = 8192
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int

	mu          sync.Mutex
	lastLatency time.Duration
	lastErr     error
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect implements provider.Lifecycle. Deepgram streams are opened per
// utterance, so there is no persistent connection to establish here.
func (p *Provider) Connect(context.Context) error { return nil }

// Disconnect implements provider.Lifecycle.
func (p *Provider) Disconnect(context.Context) error { return nil }

// Warmup implements provider.Lifecycle. It transcribes a short span of
// silence so the first real utterance does not pay TLS and session setup.
func (p *Provider) Warmup(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	silence := make([]byte, defaultSampleRate/10*2) // 100ms
	if _, err := p.Transcribe(ctx, silence, stt.Config{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// HealthCheck implements provider.Lifecycle. It reports the outcome and
// latency of the most recent transcription.
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

// Transcribe implements stt.Provider. It streams pcm to Deepgram, closes the
// stream, and returns the joined final transcripts. An empty result with a
// nil error means Deepgram heard no speech.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	start := time.Now()
	text, err := p.transcribe(ctx, pcm, cfg)
	p.mu.Lock()
	p.lastLatency = time.Since(start)
	p.lastErr = err
	p.mu.Unlock()
	return text, err
}

func (p *Provider) transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "utterance complete")

	// Collect final transcripts concurrently with the audio upload; Deepgram
	// emits results as the audio streams in.
	type readResult struct {
		finals []string
		err    error
	}
	resCh := make(chan readResult, 1)
	go func() {
		finals, err := collectFinals(ctx, conn)
		resCh <- readResult{finals: finals, err: err}
	}()

	for off := 0; off < len(pcm); off += writeChunkBytes {
		end := min(off+writeChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return "", fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", fmt.Errorf("deepgram: close stream: %w", err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return "", res.err
		}
		return joinFinals(res.finals), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// collectFinals reads Deepgram messages until the server closes the stream,
// returning every non-empty final transcript in order.
func collectFinals(ctx context.Context, conn *websocket.Conn) ([]string, error) {
	var finals []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// The server closes the connection after CloseStream; a normal
			// closure means the utterance is fully transcribed.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return finals, nil
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return finals, nil
			}
			return finals, fmt.Errorf("deepgram: read: %w", err)
		}
		text, isFinal, ok := parseResponse(msg)
		if !ok || !isFinal || text == "" {
			continue
		}
		finals = append(finals, text)
	}
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse parses a raw Deepgram WebSocket message. Returns
// (text, isFinal, true) for a Results event, or ok=false if the message
// should be ignored.
func parseResponse(data []byte) (string, bool, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, false
	}
	if resp.Type != "Results" {
		return "", false, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false, false
	}
	return resp.Channel.Alternatives[0].Transcript, resp.IsFinal, true
}

// joinFinals merges per-segment final transcripts into one utterance string.
func joinFinals(finals []string) string {
	parts := make([]string, 0, len(finals))
	for _, f := range finals {
		f = strings.TrimSpace(f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}
