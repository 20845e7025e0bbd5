package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/billboard/internal/errtrack"
	"github.com/hitoshi/billboard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	ErrorReporter     errtrack.Reporter
	StatusRecorder    middleware.StatusRecorder

	// メッセージ
	MessageService MessageServiceInterface

	// 表示
	DisplayState  DisplayStateProvider
	ScreenHandler http.Handler

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS（/api/*のみ）→ RateLimit（投稿のみ）
//
// ScreenHandlerとMetricsHandlerがnilの場合、対応するルートは登録しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger, deps.ErrorReporter))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	messageHandler := NewMessageHandler(deps.MessageService)
	displayHandler := NewDisplayHandler(deps.DisplayState)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

		r.Route("/messages", func(r chi.Router) {
			submit := http.Handler(http.HandlerFunc(messageHandler.Submit))
			if deps.RateLimiter != nil {
				submit = deps.RateLimiter.SubmitMiddleware()(submit)
			}
			r.Method(http.MethodPost, "/", submit)

			r.Get("/last-shown", messageHandler.LastShown)
			r.Get("/{id}", messageHandler.GetStatus)
		})

		r.Get("/display/state", displayHandler.GetState)
	})

	if deps.ScreenHandler != nil {
		r.Handle("/display/ws", deps.ScreenHandler)
	}

	r.Get("/health", Health(deps.HealthChecker, deps.Logger))

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	return r
}
