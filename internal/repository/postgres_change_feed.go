package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/billboard/internal/model"
)

// MessagesChangedChannel はmessagesテーブルのトリガーがpg_notifyするチャネル名。
const MessagesChangedChannel = "messages_changed"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresChangeFeed はLISTEN/NOTIFYでmessagesテーブルの変更を購読し、購読者へ配信する。
// 再接続時は通知が失われている可能性があるため、購読者にも変更として通知する。
type PostgresChangeFeed struct {
	listener    *pq.Listener
	logger      *slog.Logger
	broadcaster *changeBroadcaster
}

// NewPostgresChangeFeed はpq.Listenerを生成し、MessagesChangedChannelのLISTENを開始する。
// 通知の配信にはRunを呼び出す必要がある。
func NewPostgresChangeFeed(databaseURL string, logger *slog.Logger) (*PostgresChangeFeed, error) {
	f := &PostgresChangeFeed{
		logger:      logger,
		broadcaster: newChangeBroadcaster(),
	}

	f.listener = pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect, f.onListenerEvent)
	if err := f.listener.Listen(MessagesChangedChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("変更通知チャネルのLISTENに失敗しました: %w: %w", model.ErrStoreUnavailable, err)
	}

	return f, nil
}

// Subscribe は変更通知チャネルと購読解除関数を返す。
func (f *PostgresChangeFeed) Subscribe() (<-chan struct{}, func()) {
	return f.broadcaster.subscribe()
}

// Run はコンテキストがキャンセルされるまで通知を受信して配信する。
// 一定時間通知がない場合はPingで接続の生存を確認する。
func (f *PostgresChangeFeed) Run(ctx context.Context) {
	f.logger.Info("変更通知の購読を開始しました",
		slog.String("channel", MessagesChangedChannel),
	)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("変更通知の購読を停止しました")
			return
		case n := <-f.listener.Notify:
			// nilは再接続を意味する
			if n == nil {
				f.logger.Warn("変更通知の接続が再確立されました。全購読者に再同期を通知します")
			}
			f.broadcaster.notify()
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("変更通知接続のPingに失敗しました",
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
}

// Close はLISTEN接続を閉じる。
func (f *PostgresChangeFeed) Close() error {
	return f.listener.Close()
}

func (f *PostgresChangeFeed) onListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		f.logger.Info("変更通知接続を確立しました")
	case pq.ListenerEventDisconnected:
		f.logger.Warn("変更通知接続が切断されました", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		f.logger.Info("変更通知接続を再確立しました")
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Error("変更通知接続の確立に失敗しました", slog.Any("error", err))
	}
}
