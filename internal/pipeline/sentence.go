// Package pipeline turns one conversational request into speech.
//
// The sentence pipeline reduces perceived voice latency by synthesising the
// reply sentence by sentence: as soon as the language model emits the first
// complete sentence, TTS starts on it while the model keeps generating the
// rest. A bounded sentence channel applies backpressure so a fast model
// cannot run unboundedly ahead of synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/provider/llm"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
)

const (
	// defaultSentenceBuf bounds the sentence channel between the model and
	// synthesis. Three sentences of headroom is enough to hide model jitter
	// without letting generation run far ahead of playback.
	defaultSentenceBuf = 3

	// defaultSentenceTimeout is how long the synthesis side waits for the
	// next sentence before giving up on the stream. A stalled model ends
	// the turn with whatever was already spoken; it must not hold the
	// session open forever.
	defaultSentenceTimeout = 30 * time.Second

	// producerDrainTimeout bounds how long Run waits for the generation
	// goroutine to observe cancellation after the consumer stops.
	producerDrainTimeout = 2 * time.Second
)

// sentenceBoundary matches the end of a sentence: a run of terminal
// punctuation and any trailing whitespace.
var sentenceBoundary = regexp.MustCompile(`[.!?]+\s*`)

// RunStats describes one completed pipeline run.
type RunStats struct {
	// SentencesGenerated counts complete sentences fed to synthesis.
	SentencesGenerated int

	// AudioChunks counts PCM chunks delivered to the emit callback.
	AudioChunks int

	// FirstAudioLatency is the time from Run start to the first emitted
	// chunk. Zero when no audio was produced.
	FirstAudioLatency time.Duration

	// TotalLatency is the wall time of the whole run.
	TotalLatency time.Duration
}

// Result is the outcome of a pipeline run.
type Result struct {
	// Text is the full reply text, assembled from the model's output.
	Text string

	// Stats carries latency and volume counters for the run.
	Stats RunStats
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithSentenceBuffer sets the capacity of the sentence channel between
// generation and synthesis. Default is 3.
func WithSentenceBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sentenceBuf = n
		}
	}
}

// WithSentenceTimeout sets how long synthesis waits for the next sentence
// before ending the stream. Default is 30s.
func WithSentenceTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.sentenceTimeout = d
		}
	}
}

// Pipeline drives the LLM to TTS sentence flow for one voice. It is safe for
// concurrent use; each Run call is independent.
type Pipeline struct {
	llmP  llm.Provider
	ttsP  tts.Provider
	voice tts.Voice

	logger          *slog.Logger
	sentenceBuf     int
	sentenceTimeout time.Duration
}

// New constructs a Pipeline. Both providers are probed for their streaming
// interfaces at run time; when either side cannot stream, Run falls back to
// a single-shot generate-then-synthesize path.
func New(llmP llm.Provider, ttsP tts.Provider, voice tts.Voice, opts ...Option) *Pipeline {
	p := &Pipeline{
		llmP:            llmP,
		ttsP:            ttsP,
		voice:           voice,
		logger:          slog.Default(),
		sentenceBuf:     defaultSentenceBuf,
		sentenceTimeout: defaultSentenceTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one response turn: generate the reply for req, split it into
// sentences, synthesise each sentence, and deliver PCM chunks to emit in
// order. It returns when all audio has been emitted, ctx is cancelled, or a
// stage fails. A non-nil error from emit aborts the run.
func (p *Pipeline) Run(ctx context.Context, req llm.Request, emit func(pcm []byte) error) (*Result, error) {
	start := time.Now()

	streamLLM, okLLM := p.llmP.(llm.StreamingProvider)
	streamTTS, okTTS := p.ttsP.(tts.StreamingProvider)
	if !okLLM || !okTTS {
		return p.runSingleShot(ctx, req, emit, start)
	}

	fragments, err := streamLLM.GenerateStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: llm stream: %w", err)
	}

	// The producer gets its own cancel so a consumer-side failure stops
	// generation promptly instead of leaving it blocked on a full channel.
	prodCtx, prodCancel := context.WithCancel(ctx)
	defer prodCancel()

	sentences := make(chan string, p.sentenceBuf)
	prodDone := make(chan struct{})
	go func() {
		defer close(prodDone)
		defer close(sentences)
		splitSentences(prodCtx, fragments, sentences)
	}()

	var (
		text  strings.Builder
		stats RunStats
	)
	runErr := p.consumeSentences(ctx, streamTTS, sentences, emit, start, &text, &stats)

	// The consumer may have returned while the producer is still live
	// (error, emit failure, or a stalled stream), so the drain is always
	// cancel-then-wait with a bound.
	prodCancel()
	select {
	case <-prodDone:
	case <-time.After(producerDrainTimeout):
		p.logger.Warn("sentence producer did not stop in time")
	}

	stats.TotalLatency = time.Since(start)
	res := &Result{Text: strings.TrimSpace(text.String()), Stats: stats}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// consumeSentences drains the sentence channel, synthesising each sentence
// and forwarding its audio. A producer that goes sentenceTimeout without
// delivering ends the stream without error: audio already spoken stands and
// the turn closes normally.
func (p *Pipeline) consumeSentences(ctx context.Context, streamTTS tts.StreamingProvider, sentences <-chan string, emit func([]byte) error, start time.Time, text *strings.Builder, stats *RunStats) error {
	stall := time.NewTimer(p.sentenceTimeout)
	defer stall.Stop()

	for {
		stall.Reset(p.sentenceTimeout)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			p.logger.Warn("sentence generation stalled, ending stream",
				"waited", p.sentenceTimeout,
				"sentences_so_far", stats.SentencesGenerated)
			return nil
		case sentence, ok := <-sentences:
			if !ok {
				return nil
			}
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(sentence)
			stats.SentencesGenerated++

			if err := p.synthesize(ctx, streamTTS, sentence, emit, start, stats); err != nil {
				return err
			}
		}
	}
}

// synthesize streams one sentence through TTS and forwards every chunk.
func (p *Pipeline) synthesize(ctx context.Context, streamTTS tts.StreamingProvider, sentence string, emit func([]byte) error, start time.Time, stats *RunStats) error {
	audioCh, err := streamTTS.SynthesizeStream(ctx, sentence, p.voice)
	if err != nil {
		return fmt.Errorf("pipeline: tts stream: %w", err)
	}
	for chunk := range audioCh {
		if stats.AudioChunks == 0 {
			stats.FirstAudioLatency = time.Since(start)
		}
		stats.AudioChunks++
		if err := emit(chunk); err != nil {
			// The channel must be drained so the provider goroutine exits.
			go func() {
				for range audioCh {
				}
			}()
			return fmt.Errorf("pipeline: emit audio: %w", err)
		}
	}
	return ctx.Err()
}

// runSingleShot is the non-streaming path: one full generation followed by
// one full synthesis. Used when either provider lacks a streaming interface.
func (p *Pipeline) runSingleShot(ctx context.Context, req llm.Request, emit func([]byte) error, start time.Time) (*Result, error) {
	text, err := p.llmP.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: llm generate: %w", err)
	}
	text = strings.TrimSpace(text)
	res := &Result{Text: text}
	if text == "" {
		res.Stats.TotalLatency = time.Since(start)
		return res, nil
	}
	res.Stats.SentencesGenerated = len(SplitText(text))

	pcm, err := p.ttsP.Synthesize(ctx, text, p.voice)
	if err != nil {
		res.Stats.TotalLatency = time.Since(start)
		return res, fmt.Errorf("pipeline: tts synthesize: %w", err)
	}
	if len(pcm) == 0 {
		res.Stats.TotalLatency = time.Since(start)
		return res, ErrNoAudio
	}
	res.Stats.FirstAudioLatency = time.Since(start)
	res.Stats.AudioChunks = 1
	if err := emit(pcm); err != nil {
		res.Stats.TotalLatency = time.Since(start)
		return res, fmt.Errorf("pipeline: emit audio: %w", err)
	}
	res.Stats.TotalLatency = time.Since(start)
	return res, nil
}

// splitSentences accumulates text fragments and sends each complete sentence
// downstream. Text left over when the fragment stream ends is flushed as a
// final sentence.
func splitSentences(ctx context.Context, fragments <-chan string, sentences chan<- string) {
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case frag, ok := <-fragments:
			if !ok {
				if rest := strings.TrimSpace(buf.String()); rest != "" {
					select {
					case sentences <- rest:
					case <-ctx.Done():
					}
				}
				return
			}
			buf.WriteString(frag)

			for {
				loc := sentenceBoundary.FindStringIndex(buf.String())
				if loc == nil {
					break
				}
				// A boundary flush against the end of the buffer waits for
				// more input: the punctuation run or its trailing whitespace
				// may continue in the next fragment.
				if loc[1] == buf.Len() && !strings.ContainsAny(buf.String()[loc[0]:loc[1]], " \t\n\r") {
					break
				}
				sentence := strings.TrimSpace(buf.String()[:loc[1]])
				rest := buf.String()[loc[1]:]
				buf.Reset()
				buf.WriteString(rest)
				if sentence == "" {
					continue
				}
				select {
				case sentences <- sentence:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// SplitText splits already-complete text into sentences using the same
// boundary rule as the streaming path.
func SplitText(text string) []string {
	var out []string
	rest := text
	for {
		loc := sentenceBoundary.FindStringIndex(rest)
		if loc == nil {
			break
		}
		s := strings.TrimSpace(rest[:loc[1]])
		if s != "" {
			out = append(out, s)
		}
		rest = rest[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// ErrNoAudio reports a run whose synthesis returned no audio for a non-empty
// reply.
var ErrNoAudio = errors.New("pipeline: no audio produced")
