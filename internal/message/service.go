// Package message は投稿・状態照会・最終表示メッセージのドメインロジックを提供する。
package message

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/billboard/internal/model"
	"github.com/hitoshi/billboard/internal/queue"
	"github.com/hitoshi/billboard/internal/security"
)

// DefaultMaxLength は投稿テキストの最大文字数のデフォルト値。
const DefaultMaxLength = 280

// 投稿結果の分類。メトリクスのラベルに使用する。
const (
	OutcomeAccepted   = "accepted"
	OutcomeInvalid    = "invalid"
	OutcomeStoreError = "store_error"
)

// MessageStore はServiceが使用するストア操作。
type MessageStore interface {
	Create(ctx context.Context, text string) (*model.Message, error)
	GetAll(ctx context.Context) ([]model.Message, error)
}

// SubmissionRecorder は投稿結果を記録する。
type SubmissionRecorder interface {
	RecordSubmission(outcome string)
}

// Service はメッセージのサービス層。
type Service struct {
	store     MessageStore
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
	maxLength int
	recorder  SubmissionRecorder
}

// Option はServiceの設定を変更する関数。
type Option func(*Service)

// WithMaxLength は投稿テキストの最大文字数を設定する。0以下の場合は無視する。
func WithMaxLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLength = n
		}
	}
}

// WithRecorder は投稿結果の記録先を設定する。
func WithRecorder(r SubmissionRecorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store MessageStore, sanitizer security.TextSanitizerService, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		sanitizer: sanitizer,
		logger:    logger,
		maxLength: DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit は投稿テキストを検証し、pendingのメッセージとして保存する。
// 空白のみの入力はストアを呼び出さずに model.ErrInvalidInput を返す。
// ストアに到達できない場合は再試行を促す model.APIError を返す。
func (s *Service) Submit(ctx context.Context, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.record(OutcomeInvalid)
		return nil, model.NewEmptyMessageError()
	}

	text = s.sanitizer.Sanitize(text)
	if text == "" {
		s.record(OutcomeInvalid)
		return nil, model.NewEmptyMessageError()
	}

	if utf8.RuneCountInString(text) > s.maxLength {
		s.record(OutcomeInvalid)
		return nil, model.NewMessageTooLongError(s.maxLength)
	}

	msg, err := s.store.Create(ctx, text)
	if err != nil {
		s.logger.Error("メッセージの保存に失敗しました",
			slog.String("error", err.Error()),
		)
		s.record(OutcomeStoreError)
		return nil, model.NewStoreUnavailableError()
	}

	s.logger.Info("メッセージを受け付けました",
		slog.String("message_id", msg.ID),
		slog.Int64("order", msg.Order),
	)
	s.record(OutcomeAccepted)
	return msg, nil
}

// Position は指定メッセージの状態と表示待ち順位を返す。
func (s *Service) Position(ctx context.Context, id string) (*model.PositionResult, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		s.logger.Error("メッセージ一覧の取得に失敗しました",
			slog.String("message_id", id),
			slog.String("error", err.Error()),
		)
		return nil, model.NewStoreUnavailableError()
	}

	result, ok := queue.Position(all, id)
	if !ok {
		return nil, model.NewMessageNotFoundError(id)
	}
	return &result, nil
}

// LastShown は最後に表示されたメッセージを返す。
func (s *Service) LastShown(ctx context.Context) (*model.Message, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		s.logger.Error("メッセージ一覧の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewStoreUnavailableError()
	}

	var last *model.Message
	for i := range all {
		m := &all[i]
		if m.Status != model.StatusShown || m.ShownAt == nil {
			continue
		}
		if last == nil || m.ShownAt.After(*last.ShownAt) {
			last = m
		}
	}
	if last == nil {
		return nil, model.NewNoMessageShownError()
	}

	out := *last
	return &out, nil
}

func (s *Service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordSubmission(outcome)
	}
}
