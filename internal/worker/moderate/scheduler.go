// Package moderate はpendingメッセージのモデレーションを行うバックグラウンドワーカーを提供する。
// pendingのスナップショットを購読し、各メッセージを1回だけモデレーションして判定を書き戻す。
package moderate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/billboard/internal/errtrack"
	"github.com/hitoshi/billboard/internal/model"
	"github.com/hitoshi/billboard/internal/store"
)

const (
	// DefaultClearInterval は処理済みIDセットをクリアする間隔のデフォルト値。
	DefaultClearInterval = 5 * time.Minute
	// DefaultMaxConcurrency は同時に実行するモデレーションの最大数のデフォルト値。
	DefaultMaxConcurrency = 4
	// defaultWriteTries は判定書き込みの最大試行回数。
	defaultWriteTries = 4
)

// Moderator はメッセージ本文の判定を返す。Moderateは失敗しない。
type Moderator interface {
	Moderate(ctx context.Context, text string) model.Verdict
	IsConfigured() bool
}

// MessageStore はスケジューラが使用するストア操作。
type MessageStore interface {
	WatchByStatus(ctx context.Context, status model.Status, callback func([]model.Message)) *store.Subscription
	ListByStatus(ctx context.Context, status model.Status) ([]model.Message, error)
	SetStatus(ctx context.Context, id string, update model.StatusUpdate) error
}

// Scheduler はpendingメッセージのモデレーションをスケジューリングする。
// 処理済みIDセットでプロセス内の重複呼び出しを防ぎ、
// semaphoreパターンで同時実行数を制御する。
type Scheduler struct {
	store          MessageStore
	moderator      Moderator
	logger         *slog.Logger
	reporter       errtrack.Reporter
	clearInterval  time.Duration
	maxConcurrency int
	writeBackOff   func() backoff.BackOff
	writeTries     uint

	sem chan struct{}
	wg  sync.WaitGroup

	mu sync.Mutex
	// handled は処理済みIDと実行中かどうか
	handled map[string]bool
	// failed は判定の書き込みに失敗し、クリア後の再処理を待つID
	failed map[string]struct{}
}

// Option はSchedulerの設定を変更する関数。
type Option func(*Scheduler)

// WithClearInterval は処理済みIDセットのクリア間隔を設定する。
func WithClearInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.clearInterval = d
		}
	}
}

// WithMaxConcurrency は同時実行数の上限を設定する。
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithErrorReporter は書き込み失敗の報告先を設定する。
func WithErrorReporter(r errtrack.Reporter) Option {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

// WithWriteBackOff は判定書き込みのリトライ間隔の生成関数を設定する。
func WithWriteBackOff(f func() backoff.BackOff) Option {
	return func(s *Scheduler) {
		s.writeBackOff = f
	}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(st MessageStore, moderator Moderator, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          st,
		moderator:      moderator,
		logger:         logger,
		reporter:       errtrack.NopReporter{},
		clearInterval:  DefaultClearInterval,
		maxConcurrency: DefaultMaxConcurrency,
		writeTries:     defaultWriteTries,
		writeBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		handled: make(map[string]bool),
		failed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxConcurrency)
	return s
}

// Run はpendingの購読と処理済みIDセットの定期クリアを開始する。
// コンテキストがキャンセルされると購読を停止し、実行中のモデレーションの完了を待って戻る。
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.moderator.IsConfigured() {
		s.logger.Warn("モデレーションAPIが未設定です。メッセージはモデレーションなしで自動承認されます")
	}

	s.logger.Info("モデレーションスケジューラを開始しました",
		slog.Duration("clear_interval", s.clearInterval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 実行中のモデレーションは停止時にも最後まで実行する
	workCtx := context.WithoutCancel(ctx)
	sub := s.store.WatchByStatus(ctx, model.StatusPending, func(snapshot []model.Message) {
		s.HandleSnapshot(workCtx, snapshot)
	})

	ticker := time.NewTicker(s.clearInterval)
	defer ticker.Stop()

	retry := false
	for {
		select {
		case <-ctx.Done():
			sub.Stop()
			s.wg.Wait()
			s.logger.Info("モデレーションスケジューラを停止しました")
			return nil
		case <-ticker.C:
			if s.ClearHandled() > 0 {
				retry = true
			}
			if retry {
				retry = !s.redeliverPending(ctx, workCtx)
			}
		}
	}
}

// redeliverPending はpendingを読み直して未処理のメッセージを再処理する。
// 購読は内容が変わらないスナップショットを配信しないため、書き込みに失敗したIDはここで拾う。
func (s *Scheduler) redeliverPending(ctx, workCtx context.Context) bool {
	snapshot, err := s.store.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("pendingの再取得に失敗しました。次のクリア時に再試行します",
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	s.logger.Info("書き込みに失敗したメッセージを再処理します",
		slog.Int("pending", len(snapshot)),
	)
	s.HandleSnapshot(workCtx, snapshot)
	return true
}

// HandleSnapshot はpendingスナップショットのうち未処理のメッセージのモデレーションを開始する。
// 処理済みの確認と登録はゴルーチン起動前に行う。
func (s *Scheduler) HandleSnapshot(ctx context.Context, snapshot []model.Message) {
	for _, msg := range snapshot {
		if msg.Status != model.StatusPending {
			continue
		}
		if !s.markHandled(msg.ID) {
			continue
		}

		s.wg.Add(1)
		go func(m model.Message) {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			s.process(ctx, m)
			s.markDone(m.ID)
		}(msg)
	}
}

// Wait は実行中のモデレーションがすべて完了するまで待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// ClearHandled は完了済みのIDを処理済みIDセットから取り除く。実行中のIDは残す。
// pendingから遷移済みのメッセージは以降のスナップショットに現れないため安全。
// 取り除いたIDのうち、判定の書き込みに失敗していたものの件数を返す。
func (s *Scheduler) ClearHandled() int {
	s.mu.Lock()
	n, failed := 0, 0
	for id, inFlight := range s.handled {
		if inFlight {
			continue
		}
		delete(s.handled, id)
		n++
		if _, ok := s.failed[id]; ok {
			delete(s.failed, id)
			failed++
		}
	}
	s.mu.Unlock()

	s.logger.Debug("処理済みIDセットをクリアしました",
		slog.Int("cleared", n),
		slog.Int("failed", failed),
	)
	return failed
}

// HandledCount は処理済みIDセットの件数を返す。
func (s *Scheduler) HandledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handled)
}

// markHandled は未処理なら処理済みとして登録してtrueを返す。
func (s *Scheduler) markHandled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handled[id]; ok {
		return false
	}
	s.handled[id] = true
	return true
}

func (s *Scheduler) markFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = struct{}{}
}

func (s *Scheduler) markDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handled[id]; ok {
		s.handled[id] = false
	}
}

func (s *Scheduler) process(ctx context.Context, msg model.Message) {
	start := time.Now()
	verdict := s.moderator.Moderate(ctx, msg.Text)

	if err := s.applyVerdict(ctx, msg.ID, verdict); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Info("モデレーション中にメッセージが削除されました",
				slog.String("message_id", msg.ID),
			)
			return
		}
		s.logger.Error("判定の書き込みに失敗しました。処理済みIDセットのクリア後に再試行されます",
			slog.String("message_id", msg.ID),
			slog.String("status", string(verdict.Status)),
			slog.String("error", err.Error()),
		)
		s.reporter.CaptureError(err, map[string]string{
			"component":  "moderation_scheduler",
			"message_id": msg.ID,
		})
		s.markFailed(msg.ID)
		return
	}

	attrs := []any{
		slog.String("message_id", msg.ID),
		slog.String("status", string(verdict.Status)),
		slog.String("source", string(verdict.Source)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	if verdict.Approved() {
		s.logger.Info("メッセージを承認しました", attrs...)
	} else {
		s.logger.Info("メッセージを拒否しました", attrs...)
	}
}

// applyVerdict は判定をストアに書き込む。一時的な失敗は指数バックオフでリトライする。
func (s *Scheduler) applyVerdict(ctx context.Context, id string, verdict model.Verdict) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.store.SetStatus(ctx, id, verdict.Update())
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidInput) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(s.writeBackOff()),
		backoff.WithMaxTries(s.writeTries),
	)
	if err != nil {
		return fmt.Errorf("判定の書き込みに失敗しました: %w", err)
	}
	return nil
}
