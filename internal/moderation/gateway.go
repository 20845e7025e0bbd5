// Package moderation は投稿メッセージのモデレーションを提供する。
// ローカルの禁止語チェックと外部のテキスト分類サービスを組み合わせ、
// サービスが判定を返せない場合はフェイルオープンで承認する。
package moderation

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/billboard/internal/model"
)

// DefaultTimeout はモデレーションサービス呼び出しのタイムアウトのデフォルト値。
const DefaultTimeout = 10 * time.Second

const blockedReason = "El mensaje contiene lenguaje ofensivo."

// Classifier は外部のテキスト分類サービス。
// 判定できない場合はmodel.ErrModerationUnavailableでラップしたエラーを返す。
type Classifier interface {
	Classify(ctx context.Context, text string) (model.Verdict, error)
	Configured() bool
}

// VerdictRecorder は判定結果のメトリクスを記録する。
type VerdictRecorder interface {
	RecordVerdict(source model.VerdictSource, status model.Status)
	RecordModerationLatency(d time.Duration)
	RecordFailOpen()
}

// Gateway はモデレーションの入口。Moderateは常に判定を返し、エラーにならない。
type Gateway struct {
	classifier Classifier
	blocklist  *Blocklist
	timeout    time.Duration
	logger     *slog.Logger
	recorder   VerdictRecorder
}

// GatewayOption はGatewayの設定を変更する関数。
type GatewayOption func(*Gateway)

// WithTimeout はサービス呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBlocklist はローカルの禁止語リストを差し替える。nilの場合はチェックしない。
func WithBlocklist(b *Blocklist) GatewayOption {
	return func(g *Gateway) {
		g.blocklist = b
	}
}

// WithRecorder は判定結果の記録先を設定する。
func WithRecorder(r VerdictRecorder) GatewayOption {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// NewGateway はGatewayを生成する。classifierがnilの場合は未設定として扱う。
func NewGateway(classifier Classifier, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		classifier: classifier,
		blocklist:  NewBlocklist(DefaultBlockedWords...),
		timeout:    DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsConfigured は利用可能な認証情報があり、サービスに問い合わせ可能かを返す。
func (g *Gateway) IsConfigured() bool {
	return g.classifier != nil && g.classifier.Configured()
}

// Moderate はtextの判定を返す。
// 禁止語を含む場合はサービスに問い合わせずに拒否する。
// 未設定の場合は自動承認し、サービスがエラーを返した場合はFailOpenで承認する。
func (g *Gateway) Moderate(ctx context.Context, text string) model.Verdict {
	if word, ok := g.blocklist.Match(text); ok {
		g.logger.Info("禁止語を検出したため拒否しました",
			slog.String("word", word),
		)
		return g.record(Blocked())
	}

	if !g.IsConfigured() {
		return g.record(AutoApprove())
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	verdict, err := g.classifier.Classify(callCtx, text)
	if g.recorder != nil {
		g.recorder.RecordModerationLatency(time.Since(start))
	}
	if err != nil {
		g.logger.Warn("モデレーションサービスが判定を返せませんでした。フェイルオープンで承認します",
			slog.String("error", err.Error()),
		)
		if g.recorder != nil {
			g.recorder.RecordFailOpen()
		}
		return g.record(FailOpen(text))
	}

	return g.record(verdict)
}

func (g *Gateway) record(v model.Verdict) model.Verdict {
	if g.recorder != nil {
		g.recorder.RecordVerdict(v.Source, v.Status)
	}
	return v
}

// FailOpen はサービス障害時の判定。元の本文を最大長に切り詰めて承認する。
func FailOpen(text string) model.Verdict {
	truncated := TruncateUTF16(text, MaxCorrectedLength)
	return model.Verdict{
		Status:        model.StatusApproved,
		CorrectedText: &truncated,
		Source:        model.VerdictSourceFailOpen,
	}
}

// AutoApprove は認証情報が未設定の場合の判定。本文は変更しない。
func AutoApprove() model.Verdict {
	return model.Verdict{
		Status: model.StatusApproved,
		Source: model.VerdictSourceUnconfigured,
	}
}

// Blocked は禁止語を含むメッセージの拒否判定。
func Blocked() model.Verdict {
	reason := blockedReason
	return model.Verdict{
		Status: model.StatusRejected,
		Reason: &reason,
		Source: model.VerdictSourceBlocklist,
	}
}
