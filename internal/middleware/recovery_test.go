package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockReporter struct {
	mu     sync.Mutex
	panics []any
	tags   []map[string]string
}

func (m *mockReporter) CaptureError(err error, tags map[string]string) {}

func (m *mockReporter) CapturePanic(recovered any, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics = append(m.panics, recovered)
	m.tags = append(m.tags, tags)
}

func (m *mockReporter) Flush(timeout time.Duration) bool { return true }

// TestRecoveryMiddleware_RecoversAndReports はpanicを500に変換しトラッカーへ送信することを検証する。
func TestRecoveryMiddleware_RecoversAndReports(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	reporter := &mockReporter{}

	handler := NewRecoveryMiddleware(logger, reporter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/display/state", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("body = %q, want unified error", w.Body.String())
	}
	if len(reporter.panics) != 1 || reporter.panics[0] != "boom" {
		t.Errorf("reported panics = %v", reporter.panics)
	}
	if reporter.tags[0]["path"] != "/api/display/state" {
		t.Errorf("tags = %v", reporter.tags[0])
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("panic should be logged")
	}
}

// TestRecoveryMiddleware_NilReporter はトラッカー未設定でも動作することを検証する。
func TestRecoveryMiddleware_NilReporter(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// TestRecoveryMiddleware_NoPanic_PassesThrough はpanicがない場合に影響しないことを検証する。
func TestRecoveryMiddleware_NoPanic_PassesThrough(t *testing.T) {
	reporter := &mockReporter{}
	handler := NewRecoveryMiddleware(discardLogger(), reporter)(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/messages", nil))

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if len(reporter.panics) != 0 {
		t.Errorf("unexpected panics reported: %v", reporter.panics)
	}
}
