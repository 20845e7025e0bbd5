package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの実装種別。
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// 表示エフェクトプレイヤーの実装種別。
const (
	DisplayPlayerScreen = "screen"
	DisplayPlayerTimed  = "timed"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver         string
	DatabaseURL         string
	WatchResyncInterval time.Duration

	// Moderation
	GeminiAPIKey                 string
	GeminiModel                  string
	GeminiEndpoint               string
	ModerationTimeout            time.Duration
	ModerationRatePerMin         int
	ModerationCacheClearInterval time.Duration
	ModerationMaxConcurrent      int

	// ModeratorEmbedded がfalseの場合、serveはモデレーションを行わず別プロセスのmoderatorに任せる。
	ModeratorEmbedded bool

	// Display
	DisplayPlayer         string
	DisplayRevealDelay    time.Duration
	DisplayRevealDuration time.Duration
	DisplaySettleDelay    time.Duration
	DisplayCycleTimeout   time.Duration

	// Submission
	RateLimitSubmit int
	SubmitMaxLength int

	// Cleanup
	CleanupRetention time.Duration
	CleanupInterval  time.Duration

	// Error tracking
	SentryDSN         string
	SentryEnvironment string

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// ENV_FILE（デフォルト: .env）が存在する場合は先に読み込むが、既存の環境変数が優先される。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadEnvFile(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	cfg.DisplayPlayer = getEnvString("DISPLAY_PLAYER", DisplayPlayerScreen)

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q", cfg.StoreDriver)
	}

	switch cfg.DisplayPlayer {
	case DisplayPlayerScreen, DisplayPlayerTimed:
	default:
		return nil, fmt.Errorf("unsupported DISPLAY_PLAYER: %q", cfg.DisplayPlayer)
	}

	// Optional fields with defaults
	cfg.WatchResyncInterval = getEnvDuration("WATCH_RESYNC_INTERVAL", 30*time.Second)
	cfg.GeminiAPIKey = getEnvString("GEMINI_API_KEY", "")
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-2.5-flash-lite")
	cfg.GeminiEndpoint = getEnvString("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta")
	cfg.ModerationTimeout = getEnvDuration("MODERATION_TIMEOUT", 10*time.Second)
	cfg.ModerationRatePerMin = getEnvInt("MODERATION_RATE_PER_MIN", 60)
	cfg.ModerationCacheClearInterval = getEnvDuration("MODERATION_CACHE_CLEAR_INTERVAL", 5*time.Minute)
	cfg.ModerationMaxConcurrent = getEnvInt("MODERATION_MAX_CONCURRENT", 4)
	cfg.ModeratorEmbedded = getEnvBool("MODERATOR_EMBEDDED", true)
	cfg.DisplayRevealDelay = getEnvDuration("DISPLAY_REVEAL_DELAY", 500*time.Millisecond)
	cfg.DisplayRevealDuration = getEnvDuration("DISPLAY_REVEAL_DURATION", 6*time.Second)
	cfg.DisplaySettleDelay = getEnvDuration("DISPLAY_SETTLE_DELAY", 2*time.Second)
	cfg.DisplayCycleTimeout = getEnvDuration("DISPLAY_CYCLE_TIMEOUT", 30*time.Second)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", 10)
	cfg.SubmitMaxLength = getEnvInt("SUBMIT_MAX_LENGTH", 280)
	cfg.CleanupRetention = getEnvDuration("CLEANUP_RETENTION", 24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.SentryDSN = getEnvString("SENTRY_DSN", "")
	cfg.SentryEnvironment = getEnvString("SENTRY_ENVIRONMENT", "production")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	return cfg, nil
}

// loadEnvFile は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
// godotenv.Loadは既に設定されている環境変数を上書きしない。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
