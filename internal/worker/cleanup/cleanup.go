// Package cleanup は終端状態（rejected/shown）のメッセージを定期削除するジョブを提供する。
// 保持期間（デフォルト24時間）を超過したメッセージを一定間隔で削除する。
// 最後に表示されたメッセージは「前回の表示」として残す。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetention は終端メッセージの保持期間。
	DefaultRetention = 24 * time.Hour
	// DefaultInterval はジョブの実行間隔。
	DefaultInterval = time.Hour
)

// Deleter は終端メッセージの削除を抽象化するインターフェース。
// repository.MessageRepository の実装がこれを満たす。
type Deleter interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder は削除件数を記録する。
type Recorder interface {
	RecordCleanupDeleted(count int64)
}

// Job は保持期間を超過した終端メッセージの削除ジョブ。冪等に実行できる。
type Job struct {
	deleter   Deleter
	logger    *slog.Logger
	recorder  Recorder
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// Option はJobの設定を変更する関数。
type Option func(*Job)

// WithRetention は保持期間を設定する。0以下の場合はデフォルトを使う。
func WithRetention(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithInterval は実行間隔を設定する。0以下の場合はデフォルトを使う。
func WithInterval(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithRecorder は削除件数の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(j *Job) { j.recorder = r }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

// NewJob は新しいJobを生成する。
func NewJob(deleter Deleter, logger *slog.Logger, opts ...Option) *Job {
	j := &Job{
		deleter:   deleter,
		logger:    logger,
		retention: DefaultRetention,
		interval:  DefaultInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunOnce は保持期間を超過した終端メッセージを1回削除し、削除件数を返す。
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().Add(-j.retention)

	deleted, err := j.deleter.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("メッセージクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.String("retention", j.retention.String()),
		)
		return 0, fmt.Errorf("メッセージクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil && deleted > 0 {
		j.recorder.RecordCleanupDeleted(deleted)
	}

	j.logger.Info("メッセージクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.String("retention", j.retention.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Run は起動直後に1回実行し、以降はintervalごとに実行する。
// ctxがキャンセルされるまでブロックする。個々の実行の失敗では停止しない。
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info("メッセージクリーンアップジョブを開始しました",
		slog.String("interval", j.interval.String()),
		slog.String("retention", j.retention.String()),
	)

	_, _ = j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メッセージクリーンアップジョブを停止しました")
			return nil
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}
