package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Stage names recorded against the latency budget.
const (
	StageSTT           = "stt"
	StageLLMFirstToken = "llm_ttft"
	StageLLMTotal      = "llm_total"
	StageTTSFirstByte  = "tts_ttfb"
)

// DefaultBudgetTarget is the end-to-end target from end of caller speech to
// first synthesised audio.
const DefaultBudgetTarget = 1500 * time.Millisecond

// Stage is one recorded span of a turn.
type Stage struct {
	Name     string
	Duration time.Duration
}

// Budget tracks per-stage latency for a single conversational turn and logs
// a breakdown when the turn misses its target. A Budget is not reusable;
// create one per turn.
type Budget struct {
	target time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	start  time.Time
	stages []Stage
	total  time.Duration
	done   bool
}

// NewBudget creates a Budget with the given target. A zero target uses
// DefaultBudgetTarget. The clock starts immediately.
func NewBudget(target time.Duration, logger *slog.Logger) *Budget {
	if target <= 0 {
		target = DefaultBudgetTarget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Budget{
		target: target,
		logger: logger,
		start:  time.Now(),
	}
}

// RecordStage records the duration of a named stage.
func (b *Budget) RecordStage(name string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages = append(b.stages, Stage{Name: name, Duration: d})
}

// Finish stops the clock and logs the turn: WARN with a per-stage breakdown
// when the total exceeds the target, INFO otherwise. It returns the total
// and is idempotent; only the first call stops the clock.
func (b *Budget) Finish() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.total = time.Since(b.start)
		b.done = true
	}

	attrs := []any{
		"total_ms", b.total.Milliseconds(),
		"target_ms", b.target.Milliseconds(),
	}
	for _, s := range b.stages {
		attrs = append(attrs, s.Name+"_ms", s.Duration.Milliseconds())
	}
	if b.total > b.target {
		b.logger.Warn("turn exceeded latency budget", attrs...)
	} else {
		b.logger.Info("turn within latency budget", attrs...)
	}
	return b.total
}

// IsOverBudget reports whether the turn exceeded its target. Before Finish
// it compares the running clock against the target.
func (b *Budget) IsOverBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return b.total > b.target
	}
	return time.Since(b.start) > b.target
}

// Elapsed returns the running total, frozen once Finish has been called.
func (b *Budget) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return b.total
	}
	return time.Since(b.start)
}

// Report renders the stage breakdown as a single line for diagnostics.
func (b *Budget) Report() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.total
	if !b.done {
		total = time.Since(b.start)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "total=%dms target=%dms", total.Milliseconds(), b.target.Milliseconds())
	for _, s := range b.stages {
		fmt.Fprintf(&sb, " %s=%dms", s.Name, s.Duration.Milliseconds())
	}
	return sb.String()
}
