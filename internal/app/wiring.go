package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/billboard/internal/config"
	"github.com/hitoshi/billboard/internal/database"
	"github.com/hitoshi/billboard/internal/display"
	"github.com/hitoshi/billboard/internal/errtrack"
	"github.com/hitoshi/billboard/internal/handler"
	"github.com/hitoshi/billboard/internal/message"
	"github.com/hitoshi/billboard/internal/metrics"
	"github.com/hitoshi/billboard/internal/model"
	"github.com/hitoshi/billboard/internal/moderation"
	"github.com/hitoshi/billboard/internal/repository"
	"github.com/hitoshi/billboard/internal/security"
	"github.com/hitoshi/billboard/internal/store"
	"github.com/hitoshi/billboard/internal/worker/cleanup"
	"github.com/hitoshi/billboard/internal/worker/moderate"
)

const dbConnectTimeout = 10 * time.Second

// backend はメッセージの永続化層と変更通知。
type backend struct {
	repo     repository.MessageRepository
	feed     repository.ChangeFeed
	db       *sql.DB
	listener *repository.PostgresChangeFeed
}

// openBackend はSTORE_DRIVERに応じてリポジトリと変更通知を用意する。
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("インメモリストアで起動します。再起動するとメッセージは失われます")
		repo := repository.NewMemoryMessageRepo()
		return &backend{repo: repo, feed: repo}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return nil, err
	}

	listener, err := repository.NewPostgresChangeFeed(cfg.DatabaseURL, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("データベース接続を確立しました")
	return &backend{
		repo:     repository.NewPostgresMessageRepo(db),
		feed:     listener,
		db:       db,
		listener: listener,
	}, nil
}

func (b *backend) start(ctx context.Context, g *errgroup.Group) {
	if b.listener == nil {
		return
	}
	g.Go(func() error {
		b.listener.Run(ctx)
		return nil
	})
}

func (b *backend) healthChecker() handler.HealthChecker {
	if b.db == nil {
		return nil
	}
	return b.db
}

func (b *backend) close() {
	if b.listener != nil {
		_ = b.listener.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

// core はserveとmoderatorが共有するコンポーネント群。
// 不要なコンポーネントはnilのまま起動しない。
type core struct {
	store       *store.Store
	gateway     *moderation.Gateway
	scheduler   *moderate.Scheduler
	coordinator *display.Coordinator
	messages    *message.Service
	cleanup     *cleanup.Job
}

type coreOptions struct {
	moderate bool
	// playerがnilの場合は表示コーディネータを起動しない
	player    display.Player
	collector *metrics.Collector
	reporter  errtrack.Reporter
	logger    *slog.Logger
}

func newCore(cfg *config.Config, be *backend, opts coreOptions) *core {
	logger := opts.logger
	st := store.New(be.repo, be.feed, logger, store.WithResyncInterval(cfg.WatchResyncInterval))

	c := &core{
		store: st,
		cleanup: cleanup.NewJob(be.repo, logger,
			cleanup.WithRetention(cfg.CleanupRetention),
			cleanup.WithInterval(cfg.CleanupInterval),
			cleanup.WithRecorder(opts.collector),
		),
	}

	if opts.moderate {
		c.gateway = newGateway(cfg, opts.collector, logger)
		c.scheduler = moderate.NewScheduler(st, c.gateway, logger,
			moderate.WithClearInterval(cfg.ModerationCacheClearInterval),
			moderate.WithMaxConcurrency(cfg.ModerationMaxConcurrent),
			moderate.WithErrorReporter(opts.reporter),
		)
	}

	if opts.player != nil {
		c.coordinator = display.NewCoordinator(st, opts.player, logger,
			display.WithRevealDelay(cfg.DisplayRevealDelay),
			display.WithSettleDelay(cfg.DisplaySettleDelay),
			display.WithCycleTimeout(cfg.DisplayCycleTimeout),
			display.WithErrorReporter(opts.reporter),
			display.WithRecorder(opts.collector),
		)
		c.messages = message.NewService(st, security.NewTextSanitizer(), logger,
			message.WithMaxLength(cfg.SubmitMaxLength),
			message.WithRecorder(opts.collector),
		)
	}

	return c
}

func newGateway(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *moderation.Gateway {
	client := moderation.NewGeminiClient(
		&http.Client{Timeout: cfg.ModerationTimeout},
		logger,
		cfg.GeminiAPIKey,
		moderation.WithEndpoint(cfg.GeminiEndpoint),
		moderation.WithModel(cfg.GeminiModel),
		moderation.WithRatePerMinute(cfg.ModerationRatePerMin),
	)
	return moderation.NewGateway(client, logger,
		moderation.WithTimeout(cfg.ModerationTimeout),
		moderation.WithRecorder(collector),
	)
}

// start はバックグラウンド処理をgに登録する。ctxがキャンセルされると全て停止する。
func (c *core) start(ctx context.Context, g *errgroup.Group) {
	if c.scheduler != nil {
		g.Go(func() error { return c.scheduler.Run(ctx) })
	}

	if c.coordinator != nil {
		g.Go(func() error { return c.coordinator.Run(ctx) })
		sub := c.store.WatchByStatus(ctx, model.StatusApproved, c.coordinator.UpdateApproved)
		g.Go(func() error {
			<-sub.Done()
			return nil
		})
	}

	g.Go(func() error { return c.cleanup.Run(ctx) })
}
