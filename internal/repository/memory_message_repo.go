package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/billboard/internal/model"
)

// MemoryMessageRepo はプロセス内メモリを使用したメッセージリポジトリ。
// STORE_DRIVER=memory での単体運用とテストに使用する。
// ChangeFeedも実装し、書き込みのたびに購読者へ通知する。
type MemoryMessageRepo struct {
	mu          sync.RWMutex
	messages    map[string]model.Message
	broadcaster *changeBroadcaster
}

// NewMemoryMessageRepo は空のMemoryMessageRepoを生成する。
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		messages:    make(map[string]model.Message),
		broadcaster: newChangeBroadcaster(),
	}
}

// Create は現在の最大order+1を採番し、pendingのメッセージを作成する。
func (r *MemoryMessageRepo) Create(ctx context.Context, text string, createdAt time.Time) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("メッセージの作成に失敗しました", err)
	}

	r.mu.Lock()
	var maxOrder int64
	for _, m := range r.messages {
		if m.Order > maxOrder {
			maxOrder = m.Order
		}
	}
	msg := model.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Status:    model.StatusPending,
		Order:     maxOrder + 1,
		CreatedAt: createdAt,
	}
	r.messages[msg.ID] = msg
	r.mu.Unlock()

	r.broadcaster.notify()
	return &msg, nil
}

// UpdateStatus はステータスを無条件に上書きする。
func (r *MemoryMessageRepo) UpdateStatus(ctx context.Context, id string, update model.StatusUpdate, shownAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return storeError("ステータスの更新に失敗しました", err)
	}

	r.mu.Lock()
	msg, ok := r.messages[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("メッセージが存在しません: %s: %w", id, model.ErrNotFound)
	}

	msg.Status = update.Status
	if update.CorrectedText != nil {
		msg.Text = *update.CorrectedText
	}
	if update.Reason != nil {
		msg.Reason = *update.Reason
	}
	if msg.ShownAt == nil && shownAt != nil {
		t := *shownAt
		msg.ShownAt = &t
	}
	r.messages[id] = msg
	r.mu.Unlock()

	r.broadcaster.notify()
	return nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *MemoryMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("メッセージの取得に失敗しました", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

// ListByStatus は指定ステータスのメッセージを表示順で返す。
func (r *MemoryMessageRepo) ListByStatus(ctx context.Context, status model.Status) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("メッセージ一覧の取得に失敗しました", err)
	}

	r.mu.RLock()
	var out []model.Message
	for _, m := range r.messages {
		if m.Status == status {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()

	sortByDisplayOrder(out)
	return out, nil
}

// ListAll は全メッセージを表示順で返す。
func (r *MemoryMessageRepo) ListAll(ctx context.Context) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("メッセージ一覧の取得に失敗しました", err)
	}

	r.mu.RLock()
	out := make([]model.Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sortByDisplayOrder(out)
	return out, nil
}

// DeleteTerminalBefore はcutoffより前に作成されたrejected/shownのメッセージを削除する。
// 最後に表示されたメッセージは削除しない。
func (r *MemoryMessageRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeError("終端メッセージの削除に失敗しました", err)
	}

	r.mu.Lock()
	var latestShownID string
	var latestShownAt time.Time
	for id, m := range r.messages {
		if m.Status == model.StatusShown && m.ShownAt != nil && m.ShownAt.After(latestShownAt) {
			latestShownID = id
			latestShownAt = *m.ShownAt
		}
	}

	var deleted int64
	for id, m := range r.messages {
		if !m.Status.Terminal() || !m.CreatedAt.Before(cutoff) || id == latestShownID {
			continue
		}
		delete(r.messages, id)
		deleted++
	}
	r.mu.Unlock()

	if deleted > 0 {
		r.broadcaster.notify()
	}
	return deleted, nil
}

// Subscribe は変更通知チャネルと購読解除関数を返す。
func (r *MemoryMessageRepo) Subscribe() (<-chan struct{}, func()) {
	return r.broadcaster.subscribe()
}

// sortByDisplayOrder はorder、created_at、idの昇順に並べ替える。
func sortByDisplayOrder(messages []model.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
