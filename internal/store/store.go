// Package store はメッセージレコードの型付きCRUDと購読操作を提供する。
// 永続化はrepository.MessageRepository、変更検知はrepository.ChangeFeedに委譲する。
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/billboard/internal/model"
	"github.com/hitoshi/billboard/internal/repository"
)

// DefaultResyncInterval は変更通知がなくてもスナップショットを読み直す間隔のデフォルト値。
const DefaultResyncInterval = 30 * time.Second

// Store はメッセージストアのアダプタ。
type Store struct {
	repo           repository.MessageRepository
	feed           repository.ChangeFeed
	logger         *slog.Logger
	resyncInterval time.Duration
	now            func() time.Time
}

// Option はStoreの設定を変更する関数。
type Option func(*Store)

// WithResyncInterval は定期再同期の間隔を設定する。0以下の場合は定期再同期を行わない。
func WithResyncInterval(d time.Duration) Option {
	return func(s *Store) {
		s.resyncInterval = d
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New はStoreを生成する。
func New(repo repository.MessageRepository, feed repository.ChangeFeed, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:           repo,
		feed:           feed,
		logger:         logger,
		resyncInterval: DefaultResyncInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create はpendingのメッセージを作成する。orderは既存の最大値+1が採番される。
// バックエンドに到達できない場合はmodel.ErrStoreUnavailableでラップしたエラーを返す。
func (s *Store) Create(ctx context.Context, text string) (*model.Message, error) {
	msg, err := s.repo.Create(ctx, text, s.now())
	if err != nil {
		return nil, fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return msg, nil
}

// SetStatus はステータスを無条件に書き込む。shownの場合はshownAtに現在時刻を記録する。
// 指定IDが存在しない場合はmodel.ErrNotFoundでラップしたエラーを返す。
func (s *Store) SetStatus(ctx context.Context, id string, update model.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("不正なステータスです: %q: %w", update.Status, model.ErrInvalidInput)
	}

	var shownAt *time.Time
	if update.Status == model.StatusShown {
		now := s.now()
		shownAt = &now
	}

	if err := s.repo.UpdateStatus(ctx, id, update, shownAt); err != nil {
		return fmt.Errorf("ステータスの書き込みに失敗しました: %w", err)
	}
	return nil
}

// GetAll は全メッセージのスナップショットを返す。
func (s *Store) GetAll(ctx context.Context) ([]model.Message, error) {
	messages, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("スナップショットの取得に失敗しました: %w", err)
	}
	return messages, nil
}

// ListByStatus は指定ステータスのメッセージをorder順に返す。
func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.Message, error) {
	messages, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("スナップショットの取得に失敗しました: %w", err)
	}
	return messages, nil
}

// Subscription はWatchByStatusで登録した購読。
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop は購読を停止し、コールバックの実行が終わるまで待つ。
func (sub *Subscription) Stop() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

// Done は購読のゴルーチンが終了したときにcloseされるチャネルを返す。
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// WatchByStatus は指定ステータスの全件スナップショットを、集合が変化するたびにcallbackへ渡す。
// 登録直後に初回スナップショットを配信する。callbackは購読ごとに単一のゴルーチンから
// 順に呼び出されるため、古いスナップショットが新しいものの後に届くことはない。
// 直前と同一内容のスナップショットは配信しない。
func (s *Store) WatchByStatus(ctx context.Context, status model.Status, callback func([]model.Message)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	// 初回読み込みより前に購読して変更の取りこぼしを防ぐ
	changes, unsubscribe := s.feed.Subscribe()

	go func() {
		defer close(sub.done)
		defer unsubscribe()
		s.watch(ctx, status, changes, callback)
	}()

	return sub
}

func (s *Store) watch(ctx context.Context, status model.Status, changes <-chan struct{}, callback func([]model.Message)) {
	var resync <-chan time.Time
	if s.resyncInterval > 0 {
		ticker := time.NewTicker(s.resyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	var last []model.Message
	delivered := false

	deliver := func() {
		snapshot, err := s.repo.ListByStatus(ctx, status)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("スナップショットの取得に失敗しました。次の変更通知で再試行します",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			return
		}
		if delivered && sameSnapshot(last, snapshot) {
			return
		}
		last = snapshot
		delivered = true
		callback(slices.Clone(snapshot))
	}

	deliver()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			deliver()
		case <-resync:
			deliver()
		}
	}
}

// sameSnapshot は2つのスナップショットが同じレコード集合を同じ内容で表すかを判定する。
func sameSnapshot(a, b []model.Message) bool {
	return slices.EqualFunc(a, b, func(x, y model.Message) bool {
		return x.ID == y.ID &&
			x.Status == y.Status &&
			x.Text == y.Text &&
			x.Order == y.Order &&
			x.Reason == y.Reason
	})
}
