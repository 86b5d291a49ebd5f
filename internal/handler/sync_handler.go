package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// SyncService は同期実行の起動口を抽象化する。
type SyncService interface {
	// Start は同期を非同期に開始する。既に実行中の場合はfalseを返す。
	Start(ctx context.Context) bool
}

// SyncHandler は同期実行のオンデマンド起動を扱うHTTPハンドラー。
type SyncHandler struct {
	service SyncService
	logger  *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		service: service,
		logger:  logger,
	}
}

// Sync は同期実行を開始する。
// GET /sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.service.Start(r.Context()) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("Sync already running"))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Sync started"))
}
