// API Gatewayのエントリポイント。
// 全てのクライアントリクエストを受け付け、認証・レート制限を行ったうえで
// 認証・書籍・注文・レビューの各サービスへ転送する。外部に公開される唯一のサービス。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/bookhub/internal/config"
	"github.com/nao1215/bookhub/internal/gateway"
	"github.com/nao1215/bookhub/internal/logging"
	"github.com/nao1215/bookhub/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("ロガーの生成に失敗: %v", err)
	}

	code := exitCode(logger, run(cfg, logger))
	_ = logger.Sync()
	os.Exit(code)
}

// exitCode はrunの結果をログに記録し、プロセスの終了コードを返す。
func exitCode(logger *zap.Logger, err error) int {
	if err != nil {
		logger.Error("Gatewayの実行に失敗", zap.Error(err))
		return 1
	}
	return 0
}

// run はロガー生成後の起動処理を行い、停止シグナルを受けるまでサーバーを動かす。
func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer("bookhub-gateway", logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("トレースの停止に失敗", zap.Error(err))
			}
		}()
	}

	if cfg.Auth.SecretKey == "supersecret" {
		logger.Warn("SECRET_KEYが既定値のままです。本番環境では必ず変更してください")
	}

	server, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("依存リソースの解放に失敗", zap.Error(err))
		}
	}()

	return server.Run(ctx)
}
