package moderation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/billboard/internal/model"
)

// mockClassifier はClassifierのテスト用実装。
type mockClassifier struct {
	mu           sync.Mutex
	configured   bool
	classifyFunc func(ctx context.Context, text string) (model.Verdict, error)
	calls        int
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (model.Verdict, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.classifyFunc(ctx, text)
}

func (m *mockClassifier) Configured() bool { return m.configured }

func (m *mockClassifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockRecorder はVerdictRecorderのテスト用実装。
type mockRecorder struct {
	mu        sync.Mutex
	verdicts  []model.VerdictSource
	failOpens int
	latencies int
}

func (r *mockRecorder) RecordVerdict(source model.VerdictSource, status model.Status) {
	r.mu.Lock()
	r.verdicts = append(r.verdicts, source)
	r.mu.Unlock()
}

func (r *mockRecorder) RecordModerationLatency(d time.Duration) {
	r.mu.Lock()
	r.latencies++
	r.mu.Unlock()
}

func (r *mockRecorder) RecordFailOpen() {
	r.mu.Lock()
	r.failOpens++
	r.mu.Unlock()
}

func TestFailOpen_TruncatesTo50(t *testing.T) {
	text := strings.Repeat("a", 70)
	v := FailOpen(text)

	if v.Status != model.StatusApproved {
		t.Errorf("Status = %q, want approved", v.Status)
	}
	if v.CorrectedText == nil || *v.CorrectedText != strings.Repeat("a", 50) {
		t.Errorf("CorrectedText = %v, want 50 chars", v.CorrectedText)
	}
	if v.Reason != nil {
		t.Errorf("Reason = %q, want nil", *v.Reason)
	}
	if v.Source != model.VerdictSourceFailOpen {
		t.Errorf("Source = %q, want %q", v.Source, model.VerdictSourceFailOpen)
	}
}

func TestGateway_Moderate_ClassifierErrorFailsOpen(t *testing.T) {
	var buf bytes.Buffer
	classifier := &mockClassifier{
		configured: true,
		classifyFunc: func(ctx context.Context, text string) (model.Verdict, error) {
			return model.Verdict{}, unavailable("boom", nil)
		},
	}
	rec := &mockRecorder{}
	g := NewGateway(classifier, newTestLogger(&buf), WithRecorder(rec))

	text := strings.Repeat("b", 60)
	v := g.Moderate(context.Background(), text)

	if v.Status != model.StatusApproved || v.Source != model.VerdictSourceFailOpen {
		t.Fatalf("verdict = %+v, want fail-open approval", v)
	}
	if v.CorrectedText == nil || *v.CorrectedText != strings.Repeat("b", 50) {
		t.Errorf("CorrectedText = %v, want truncated text", v.CorrectedText)
	}
	if rec.failOpens != 1 {
		t.Errorf("failOpens = %d, want 1", rec.failOpens)
	}
	if !strings.Contains(buf.String(), "フェイルオープン") {
		t.Errorf("expected fail-open warning in log, got %s", buf.String())
	}
}

func TestGateway_Moderate_TimeoutFailsOpen(t *testing.T) {
	var buf bytes.Buffer
	classifier := &mockClassifier{
		configured: true,
		classifyFunc: func(ctx context.Context, text string) (model.Verdict, error) {
			<-ctx.Done()
			return model.Verdict{}, unavailable("timeout", ctx.Err())
		},
	}
	g := NewGateway(classifier, newTestLogger(&buf), WithTimeout(20*time.Millisecond))

	start := time.Now()
	v := g.Moderate(context.Background(), "hola")
	if time.Since(start) > time.Second {
		t.Fatal("Moderate did not honor the timeout")
	}
	if v.Source != model.VerdictSourceFailOpen {
		t.Errorf("Source = %q, want %q", v.Source, model.VerdictSourceFailOpen)
	}
}

func TestGateway_Moderate_UsesClassifierVerdict(t *testing.T) {
	var buf bytes.Buffer
	corrected := "Hola, mundo."
	classifier := &mockClassifier{
		configured: true,
		classifyFunc: func(ctx context.Context, text string) (model.Verdict, error) {
			return model.Verdict{Status: model.StatusApproved, CorrectedText: &corrected, Source: model.VerdictSourceModerated}, nil
		},
	}
	rec := &mockRecorder{}
	g := NewGateway(classifier, newTestLogger(&buf), WithRecorder(rec))

	v := g.Moderate(context.Background(), "hola mundo")
	if v.CorrectedText == nil || *v.CorrectedText != corrected {
		t.Errorf("CorrectedText = %v, want %q", v.CorrectedText, corrected)
	}
	if rec.latencies != 1 || len(rec.verdicts) != 1 || rec.verdicts[0] != model.VerdictSourceModerated {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestGateway_Moderate_BlocklistSkipsClassifier(t *testing.T) {
	var buf bytes.Buffer
	classifier := &mockClassifier{
		configured: true,
		classifyFunc: func(ctx context.Context, text string) (model.Verdict, error) {
			t.Fatal("classifier should not be called for blocked text")
			return model.Verdict{}, nil
		},
	}
	g := NewGateway(classifier, newTestLogger(&buf))

	v := g.Moderate(context.Background(), "eres un m4lparido")
	if v.Status != model.StatusRejected || v.Source != model.VerdictSourceBlocklist {
		t.Fatalf("verdict = %+v, want blocklist rejection", v)
	}
	if v.Reason == nil || *v.Reason == "" {
		t.Error("blocklist rejection should carry a reason")
	}
}

func TestGateway_Moderate_Unconfigured(t *testing.T) {
	var buf bytes.Buffer
	classifier := &mockClassifier{configured: false}
	g := NewGateway(classifier, newTestLogger(&buf))

	if g.IsConfigured() {
		t.Fatal("IsConfigured should be false")
	}

	v := g.Moderate(context.Background(), "Hola mundo")
	if v.Status != model.StatusApproved || v.Source != model.VerdictSourceUnconfigured {
		t.Fatalf("verdict = %+v, want unconfigured approval", v)
	}
	if v.CorrectedText != nil {
		t.Errorf("auto approval should keep the original text, got %q", *v.CorrectedText)
	}
	if classifier.callCount() != 0 {
		t.Errorf("classifier called %d times, want 0", classifier.callCount())
	}
}

func TestGateway_NilClassifier(t *testing.T) {
	var buf bytes.Buffer
	g := NewGateway(nil, newTestLogger(&buf))

	if g.IsConfigured() {
		t.Fatal("gateway without classifier should not be configured")
	}
	if v := g.Moderate(context.Background(), "hola"); v.Source != model.VerdictSourceUnconfigured {
		t.Errorf("Source = %q, want %q", v.Source, model.VerdictSourceUnconfigured)
	}
}
