// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.StreamingProvider
// interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelvoice/kestrel/pkg/provider"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.StreamingProvider backed by the ElevenLabs
// streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text value tells the server to flush and finish.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// Connect implements provider.Lifecycle. Synthesis streams are opened per
// sentence, so there is no persistent connection to establish.
func (p *Provider) Connect(context.Context) error { return nil }

// Disconnect implements provider.Lifecycle.
func (p *Provider) Disconnect(context.Context) error { return nil }

// Warmup implements provider.Lifecycle. It lists voices over HTTPS, which
// validates the API key and primes the TLS session before the first
// synthesis.
func (p *Provider) Warmup(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.checkVoices(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// HealthCheck implements provider.Lifecycle.
func (p *Provider) HealthCheck(ctx context.Context) provider.Health {
	start := time.Now()
	if err := p.checkVoices(ctx); err != nil {
		return provider.Health{Status: provider.StatusUnhealthy, Message: err.Error()}
	}
	return provider.Health{Status: provider.StatusHealthy, Latency: time.Since(start)}
}

func (p *Provider) checkVoices(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: voices request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: voices HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: voices: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Synthesize implements tts.Provider by draining SynthesizeStream into a
// single PCM buffer.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	ch, err := p.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for chunk := range ch {
		buf.Write(chunk)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SynthesizeStream implements tts.StreamingProvider. It opens a WebSocket to
// ElevenLabs, sends the text, and returns a channel emitting raw PCM chunks
// as they are synthesised. The channel is closed when synthesis completes or
// ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := buildURLForVoice(voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := settingsForVoice(voice)

	// The BOI message authenticates and configures the stream. ElevenLabs
	// requires a non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				pcm, final, ok := parseAudioResponse(msg)
				if ok && len(pcm) > 0 {
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
				}
				if final {
					return
				}
			}
		}()

		payload, _ := buildWSMessage(text, nil)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}
		// Empty text tells the server to synthesise everything buffered and
		// end the stream.
		flush, _ := buildWSMessage("", nil)
		if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
			return
		}

		select {
		case <-readDone:
		case <-ctx.Done():
		}
	}()

	return audioCh, nil
}

// ---- helpers ----

// settingsForVoice maps a tts.Voice onto ElevenLabs voice settings.
func settingsForVoice(voice tts.Voice) *voiceSettings {
	vs := &voiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
	if voice.Speed != 0 {
		vs.Speed = voice.Speed
	}
	return vs
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

// parseAudioResponse parses a raw ElevenLabs WebSocket message. It returns
// the decoded PCM (possibly empty), whether the stream is finished, and
// whether the message carried audio at all.
func parseAudioResponse(data []byte) (pcm []byte, final bool, ok bool) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, false
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, false
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, resp.IsFinal, false
	}
	return decoded, resp.IsFinal, true
}
