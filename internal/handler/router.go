package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/groupsync/internal/metrics"
	"github.com/hitoshi/groupsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	CredentialService CredentialService
	SyncService       SyncService
	Gatherer          prometheus.Gatherer
	Logger            *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	authHandler := NewAuthHandler(deps.CredentialService, deps.Logger)
	syncHandler := NewSyncHandler(deps.SyncService, deps.Logger)

	// OAuthリンクフロー
	r.Get("/auth", authHandler.Authorize)
	r.Get("/auth/callback", authHandler.Callback)
	r.Get("/setup", authHandler.Setup)

	// 同期のオンデマンド起動
	r.Get("/sync", syncHandler.Sync)

	// ヘルスチェックとメトリクス
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	return r
}
