package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/billboard/internal/errtrack"
)

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 500レスポンスを返すミドルウェアを生成する。panicはエラートラッカーにも送信する。
func NewRecoveryMiddleware(logger *slog.Logger, reporter errtrack.Reporter) func(next http.Handler) http.Handler {
	if reporter == nil {
		reporter = errtrack.NopReporter{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				reporter.CapturePanic(rec, map[string]string{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
