package pipeline

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBudgetWithinTarget(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := NewBudget(time.Hour, logger)
	b.RecordStage(StageSTT, 120*time.Millisecond)
	b.RecordStage(StageLLMFirstToken, 300*time.Millisecond)

	total := b.Finish()
	if total <= 0 {
		t.Error("total not measured")
	}
	if b.IsOverBudget() {
		t.Error("one-hour target should not be exceeded")
	}
	out := buf.String()
	if !strings.Contains(out, "level=INFO") {
		t.Errorf("within-budget turn should log INFO, got: %s", out)
	}
	if !strings.Contains(out, "stt_ms=120") {
		t.Errorf("stage breakdown missing: %s", out)
	}
}

func TestBudgetOverTarget(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := NewBudget(time.Nanosecond, logger)
	b.RecordStage(StageLLMTotal, 900*time.Millisecond)
	b.RecordStage(StageTTSFirstByte, 700*time.Millisecond)

	b.Finish()
	if !b.IsOverBudget() {
		t.Error("nanosecond target must be exceeded")
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("over-budget turn should log WARN, got: %s", out)
	}
	if !strings.Contains(out, "llm_total_ms=900") || !strings.Contains(out, "tts_ttfb_ms=700") {
		t.Errorf("stage breakdown missing: %s", out)
	}
}

func TestBudgetFinishIdempotent(t *testing.T) {
	b := NewBudget(time.Hour, slog.New(slog.DiscardHandler))
	first := b.Finish()
	time.Sleep(5 * time.Millisecond)
	second := b.Finish()
	if first != second {
		t.Errorf("Finish totals differ: %v then %v", first, second)
	}
	if b.Elapsed() != first {
		t.Errorf("Elapsed = %v after Finish, want frozen %v", b.Elapsed(), first)
	}
}

func TestBudgetDefaultTarget(t *testing.T) {
	b := NewBudget(0, slog.New(slog.DiscardHandler))
	if b.target != DefaultBudgetTarget {
		t.Errorf("target = %v, want %v", b.target, DefaultBudgetTarget)
	}
}

func TestBudgetReport(t *testing.T) {
	b := NewBudget(DefaultBudgetTarget, slog.New(slog.DiscardHandler))
	b.RecordStage(StageSTT, 200*time.Millisecond)
	got := b.Report()
	if !strings.Contains(got, "target=1500ms") {
		t.Errorf("report missing target: %s", got)
	}
	if !strings.Contains(got, "stt=200ms") {
		t.Errorf("report missing stage: %s", got)
	}
}
