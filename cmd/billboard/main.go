// Command billboard はメッセージ投稿・モデレーション・表示を行うビルボードサーバー。
//
//	billboard [serve|moderator|migrate|healthcheck]
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/billboard/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
