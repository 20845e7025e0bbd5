// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/billboard/internal/model"
)

// MessageRepository はメッセージレコードの永続化インターフェース。
// 一覧系はdisplay_order、created_at、idの昇順で返す。
// バックエンドに到達できない場合はmodel.ErrStoreUnavailableでラップしたエラーを返す。
type MessageRepository interface {
	// Create は現在の最大order+1を採番し、pendingのメッセージを作成する。
	Create(ctx context.Context, text string, createdAt time.Time) (*model.Message, error)

	// UpdateStatus はステータスを無条件に上書きする（フィールド単位の後勝ち）。
	// CorrectedText/Reasonがnilの場合はその列を変更しない。
	// shownAtは最初に書き込まれた値を保持する。
	// 指定IDが存在しない場合はmodel.ErrNotFoundを返す。
	UpdateStatus(ctx context.Context, id string, update model.StatusUpdate, shownAt *time.Time) error

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Message, error)

	// ListByStatus は指定ステータスのメッセージを全件返す。
	ListByStatus(ctx context.Context, status model.Status) ([]model.Message, error)

	// ListAll は全メッセージを返す。
	ListAll(ctx context.Context) ([]model.Message, error)

	// DeleteTerminalBefore はcutoffより前に作成されたrejected/shownのメッセージを削除する。
	// 最後に表示されたメッセージは常に残す。削除件数を返す。
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChangeFeed はメッセージ集合の変更通知を購読するインターフェース。
// 通知は合体され得るため、受信側は通知ごとに最新状態を読み直す。
type ChangeFeed interface {
	// Subscribe は変更通知チャネルと購読解除関数を返す。
	Subscribe() (<-chan struct{}, func())
}
