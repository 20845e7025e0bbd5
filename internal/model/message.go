// Package model はドメインモデルを定義する。
package model

import "time"

// Status はメッセージのライフサイクル状態を表す。
// pending → approved → shown、または pending → rejected の前進方向にのみ遷移する。
type Status string

const (
	// StatusPending は投稿直後でモデレーション待ちの状態。
	StatusPending Status = "pending"
	// StatusApproved はモデレーションで承認され、表示待ちの状態。
	StatusApproved Status = "approved"
	// StatusRejected はモデレーションで拒否された終端状態。
	StatusRejected Status = "rejected"
	// StatusShown は表示サイクルが完了した終端状態。
	StatusShown Status = "shown"
)

// Valid は既知のステータス値かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusShown:
		return true
	}
	return false
}

// Terminal は以降の遷移がない終端状態かどうかを返す。
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusShown
}

// Queued は表示キューに数えられる状態（pending または approved）かどうかを返す。
func (s Status) Queued() bool {
	return s == StatusPending || s == StatusApproved
}

// CanTransitionTo は s から next への遷移が前進方向の遷移かどうかを返す。
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		return next == StatusShown
	default:
		return false
	}
}

// Message は訪問者が投稿した1件のメッセージとモデレーション/表示のメタデータを表す。
type Message struct {
	ID        string
	Text      string
	Status    Status
	Order     int64 // 作成時に採番されるFIFO順序。不変。
	Reason    string // 拒否理由（拒否時のみ）
	CreatedAt time.Time
	ShownAt   *time.Time
}

// StatusUpdate はSetStatusに渡す更新内容。
// CorrectedTextがnilの場合は本文を変更しない。
type StatusUpdate struct {
	Status        Status
	CorrectedText *string
	Reason        *string
}

// PositionResult はキュー位置問い合わせの結果。
// rejected/shownの場合、PositionとTotalはnilになる。
type PositionResult struct {
	Position *int
	Total    *int
	Status   Status
	Text     string
	Reason   string
}
