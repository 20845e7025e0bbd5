// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// エラー分類。各コンポーネントはこれらを%wでラップして返し、
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrStoreUnavailable はメッセージストアに到達できないことを表す。一時的なエラーで再試行可能。
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrNotFound は指定IDのメッセージが存在しないことを表す。
	ErrNotFound = errors.New("message not found")
	// ErrModerationUnavailable はモデレーションサービスが判定を返せなかったことを表す。
	// フェイルオープンで承認されるため利用者には見せず、ログとメトリクスにのみ記録する。
	ErrModerationUnavailable = errors.New("moderation unavailable")
	// ErrInvalidInput は空白のみなど不正な投稿を表す。ネットワーク呼び出し前に検出する。
	ErrInvalidInput = errors.New("invalid input")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, message, system
	Action   string // ユーザー向け対処方法
	Err      error  // 分類用の元エラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は分類用の元エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeEmptyMessage     = "EMPTY_MESSAGE"
	ErrCodeMessageTooLong   = "MESSAGE_TOO_LONG"
	ErrCodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeNoMessageShown   = "NO_MESSAGE_SHOWN"
)

// NewEmptyMessageError は空メッセージエラーを生成する。
func NewEmptyMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyMessage,
		Message:  "メッセージが空です。",
		Category: "validation",
		Action:   "メッセージを入力してください。",
		Err:      ErrInvalidInput,
	}
}

// NewMessageTooLongError は長すぎるメッセージのエラーを生成する。
func NewMessageTooLongError(max int) *APIError {
	return &APIError{
		Code:     ErrCodeMessageTooLong,
		Message:  fmt.Sprintf("メッセージが長すぎます（最大%d文字）。", max),
		Category: "validation",
		Action:   "メッセージを短くしてから再度送信してください。",
		Err:      ErrInvalidInput,
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", id),
		Category: "message",
		Action:   "メッセージIDを確認してください。",
		Err:      ErrNotFound,
	}
}

// NewStoreUnavailableError はストア到達不能時の再試行を促すエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "メッセージを保存できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      ErrStoreUnavailable,
	}
}

// NewNoMessageShownError はまだ表示済みメッセージがない場合のエラーを生成する。
func NewNoMessageShownError() *APIError {
	return &APIError{
		Code:     ErrCodeNoMessageShown,
		Message:  "まだ表示されたメッセージはありません。",
		Category: "message",
		Action:   "メッセージを送信してみてください。",
		Err:      ErrNotFound,
	}
}
