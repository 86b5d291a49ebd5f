package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/groupsync/internal/model"
	"github.com/hitoshi/groupsync/internal/repository"
)

// Guard は実行リースで同期の多重実行を防ぐ。
// アクティブな保持者がいる間は新しい実行を開始せず、
// ハートビートが途絶えた古いリースは奪取する。
type Guard struct {
	leases            repository.RunLeaseRepository
	name              string
	staleAfter        time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewGuard はGuardを生成する。
func NewGuard(leases repository.RunLeaseRepository, name string, staleAfter, heartbeatInterval time.Duration, logger *slog.Logger) *Guard {
	return &Guard{
		leases:            leases,
		name:              name,
		staleAfter:        staleAfter,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Running は同期が現在実行中かどうかを返す。
func (g *Guard) Running(ctx context.Context) (bool, error) {
	lease, err := g.leases.Get(ctx, g.name)
	if err != nil {
		return false, err
	}
	return lease != nil && lease.Active(time.Now(), g.staleAfter), nil
}

// Run はリースを取得できた場合のみfnを実行する。
// 既にアクティブな実行がある場合は(false, nil)を返す。
// 実行中はハートビートを打ち続け、終了時に最終状態でリースを解放する。
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	holderID := uuid.New().String()

	acquired, err := g.leases.Acquire(ctx, g.name, holderID, g.staleAfter)
	if err != nil {
		return false, err
	}
	if !acquired {
		g.logger.Info("同期は既に実行中のためスキップします",
			slog.String("lease", g.name),
		)
		return false, nil
	}

	g.logger.Info("実行リースを取得しました",
		slog.String("lease", g.name),
		slog.String("holder_id", holderID),
	)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go func() {
		ticker := time.NewTicker(g.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := g.leases.Heartbeat(heartbeatCtx, g.name, holderID); err != nil {
					g.logger.Warn("ハートビートの更新に失敗しました",
						slog.String("lease", g.name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	runErr := fn(ctx)
	stopHeartbeat()

	status := model.LeaseSucceeded
	if runErr != nil {
		status = model.LeaseFailed
	}

	// 実行がキャンセルで終わってもリースは解放する
	releaseCtx := context.WithoutCancel(ctx)
	if err := g.leases.Release(releaseCtx, g.name, holderID, status); err != nil {
		g.logger.Error("実行リースの解放に失敗しました",
			slog.String("lease", g.name),
			slog.String("error", err.Error()),
		)
	}

	return true, runErr
}
