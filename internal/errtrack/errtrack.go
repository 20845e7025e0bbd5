// Package errtrack はバックグラウンド処理で回復したエラーをエラートラッカーへ報告する。
// SENTRY_DSNが未設定の場合は何もしないReporterを返す。
package errtrack

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter はエラー報告のインターフェース。
type Reporter interface {
	// CaptureError はエラーをタグ付きで報告する。
	CaptureError(err error, tags map[string]string)
	// CapturePanic は回復したpanicの値を報告する。
	CapturePanic(recovered any, tags map[string]string)
	// Flush は送信待ちのイベントをtimeoutまで待って送信する。
	Flush(timeout time.Duration) bool
}

// New はdsnに応じたReporterを生成する。dsnが空の場合はNopReporterを返す。
func New(dsn, environment, release string, logger *slog.Logger) (Reporter, error) {
	if dsn == "" {
		logger.Info("SENTRY_DSNが未設定のためエラートラッキングは無効です")
		return NopReporter{}, nil
	}

	r, err := NewSentryReporter(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("エラートラッキングを初期化しました",
		slog.String("environment", environment),
	)
	return r, nil
}

// SentryReporter はSentryプロトコルでエラーを送信するReporter。
// グローバルなHubを使わず、インスタンスごとにHubを保持する。
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter はClientOptionsからSentryReporterを生成する。
// すべてのイベントにservice=billboardタグを付与する。
func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	next := opts.BeforeSend
	opts.BeforeSend = func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		if event.Tags == nil {
			event.Tags = make(map[string]string)
		}
		event.Tags["service"] = "billboard"
		if next != nil {
			return next(event, hint)
		}
		return event
	}

	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("エラートラッカーの初期化に失敗しました: %w", err)
	}

	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// CaptureError はエラーをタグ付きで報告する。
func (r *SentryReporter) CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// CapturePanic は回復したpanicの値を報告する。
func (r *SentryReporter) CapturePanic(recovered any, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTags(tags)
		scope.SetContext("panic", sentry.Context{
			"recovered_value": fmt.Sprintf("%v", recovered),
		})
		r.hub.CaptureException(fmt.Errorf("panic recovered: %v", recovered))
	})
}

// Flush は送信待ちのイベントをtimeoutまで待って送信する。
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// NopReporter は何も報告しないReporter。
type NopReporter struct{}

func (NopReporter) CaptureError(error, map[string]string) {}
func (NopReporter) CapturePanic(any, map[string]string)   {}
func (NopReporter) Flush(time.Duration) bool              { return true }
