package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/billboard/internal/config"
	"github.com/hitoshi/billboard/internal/database"
	"github.com/hitoshi/billboard/internal/display"
	"github.com/hitoshi/billboard/internal/errtrack"
	"github.com/hitoshi/billboard/internal/handler"
	"github.com/hitoshi/billboard/internal/logger"
	"github.com/hitoshi/billboard/internal/metrics"
	"github.com/hitoshi/billboard/internal/middleware"
	"github.com/hitoshi/billboard/internal/screen"
)

// Version はビルド時に -ldflags "-X" で埋め込まれる。
var Version = "dev"

const (
	shutdownTimeout = 30 * time.Second
	flushTimeout    = 2 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで停止する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("display_player", cfg.DisplayPlayer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandModerator:
		return runModerator(ctx, cfg, slog.Default())
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg, slog.Default())
	}
}

// runServe はHTTP API、画面接続、表示コーディネータ、モデレーション、クリーンアップを起動する。
// ctxがキャンセルされるとHTTPサーバーをグレースフルシャットダウンし、全てのゴルーチンの終了を待つ。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reporter, err := errtrack.New(cfg.SentryDSN, cfg.SentryEnvironment, Version, log)
	if err != nil {
		return fmt.Errorf("failed to initialize error tracking: %w", err)
	}
	defer reporter.Flush(flushTimeout)

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer be.close()

	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	var hub *screen.Hub
	var player display.Player
	if cfg.DisplayPlayer == config.DisplayPlayerTimed {
		player = display.NewTimedPlayer(cfg.DisplayRevealDuration)
	} else {
		hub = screen.NewHub(log)
		player = hub
	}

	c := newCore(cfg, be, coreOptions{
		moderate:  cfg.ModeratorEmbedded,
		player:    player,
		collector: collector,
		reporter:  reporter,
		logger:    log,
	})
	if !cfg.ModeratorEmbedded {
		log.Info("モデレーションは別プロセスのmoderatorに任せます")
	}

	rateLimiter := middleware.NewRateLimiter(middleware.SubmitRateLimiterConfig(cfg.RateLimitSubmit), log)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		ErrorReporter:     reporter,
		StatusRecorder:    collector,
		MessageService:    c.messages,
		DisplayState:      c.coordinator,
		HealthChecker:     be.healthChecker(),
		MetricsHandler:    metrics.Handler(registry),
	}
	if hub != nil {
		c.coordinator.Subscribe(hub.PublishState)
		deps.ScreenHandler = hub.Handler()
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	be.start(gctx, g)
	c.start(gctx, g)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		reporter.CaptureError(err, map[string]string{"component": "serve"})
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runModerator はモデレーションスケジューラとクリーンアップのみを起動する。
// 複数プロセスで変更を共有する必要があるため、PostgreSQLストアが必須。
func runModerator(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("moderator requires STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	reporter, err := errtrack.New(cfg.SentryDSN, cfg.SentryEnvironment, Version, log)
	if err != nil {
		return fmt.Errorf("failed to initialize error tracking: %w", err)
	}
	defer reporter.Flush(flushTimeout)

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer be.close()

	c := newCore(cfg, be, coreOptions{
		moderate:  true,
		collector: metrics.NewCollector(newRegistry()),
		reporter:  reporter,
		logger:    log,
	})

	g, gctx := errgroup.WithContext(ctx)
	be.start(gctx, g)
	c.start(gctx, g)

	if err := g.Wait(); err != nil {
		reporter.CaptureError(err, map[string]string{"component": "moderator"})
		return err
	}

	log.Info("moderator stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		slog.Info("STORE_DRIVERがpostgresではないため、マイグレーションをスキップします")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("applied", status.Applied),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
