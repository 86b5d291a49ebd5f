// Package schedule は同期実行の定期スケジューリングを提供する。
package schedule

import (
	"context"
	"log/slog"
	"time"
)

// SyncStarter は同期実行の起動口を抽象化する。
type SyncStarter interface {
	// Start は同期を非同期に開始する。既に実行中の場合はfalseを返す。
	Start(ctx context.Context) bool
}

// Scheduler は一定間隔で同期実行を起動する。
// 多重実行の抑止はSyncStarter側のリースに委ねる。
type Scheduler struct {
	starter      SyncStarter
	logger       *slog.Logger
	interval     time.Duration
	runOnStartup bool
}

// NewScheduler はSchedulerを生成する。
// runOnStartupは本番以外の環境で起動直後に1回実行するためのフラグ。
func NewScheduler(starter SyncStarter, interval time.Duration, runOnStartup bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:      starter,
		logger:       logger,
		interval:     interval,
		runOnStartup: runOnStartup,
	}
}

// Start はスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", s.interval),
		slog.Bool("run_on_startup", s.runOnStartup),
	)

	if s.runOnStartup {
		s.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.starter.Start(ctx) {
		s.logger.Info("前回の同期が実行中のためスキップします")
	}
}
