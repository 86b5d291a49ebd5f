package sync

import (
	"context"
	"log/slog"
)

// Service はガード付きの同期実行をバックグラウンドで開始する。
// HTTPハンドラーやスケジューラから共用される起動口。
type Service struct {
	guard  *Guard
	runner *Runner
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(guard *Guard, runner *Runner, logger *slog.Logger) *Service {
	return &Service{
		guard:  guard,
		runner: runner,
		logger: logger,
	}
}

// Start は同期実行を非同期に開始する。
// リースを取得して実行を開始できた場合はtrue、
// 既にアクティブな実行がある場合はfalseを返す。
// 実行自体は呼び出し元のリクエストと切り離して継続する。
func (s *Service) Start(ctx context.Context) bool {
	acquired := make(chan bool, 1)

	// リクエストのキャンセルで実行中の同期を殺さない
	runCtx := context.WithoutCancel(ctx)

	go func() {
		ran, err := s.guard.Run(runCtx, func(ctx context.Context) error {
			acquired <- true
			_, runErr := s.runner.Run(ctx)
			return runErr
		})
		if !ran {
			acquired <- false
		}
		if err != nil {
			s.logger.Error("同期実行が失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()

	return <-acquired
}

// Running は同期が現在実行中かどうかを返す。
func (s *Service) Running(ctx context.Context) (bool, error) {
	return s.guard.Running(ctx)
}
