// Package sync は同期ワークフローの編成を提供する。
// ロール単位のファンアウト実行、実行全体のランナー、
// 多重実行を防ぐリースガードを含む。
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
	"github.com/hitoshi/groupsync/internal/reconcile"
)

// RosterDirectory はロスターからの人物一覧取得を抽象化する。
type RosterDirectory interface {
	ListUsersByRole(ctx context.Context, roleName string) ([]model.RosterPerson, error)
}

// RoleSync は1ロール分の同期をファンアウトで実行する。
// 人物単位の調整は互いに独立しており、semaphoreパターンで
// 最大並列数を制御しながら実行する。
type RoleSync struct {
	roster         RosterDirectory
	logger         *slog.Logger
	maxConcurrency int
}

// NewRoleSync はRoleSyncを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewRoleSync(roster RosterDirectory, logger *slog.Logger, maxConcurrency int) *RoleSync {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &RoleSync{
		roster:         roster,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Run はロール名で人物一覧を取得し、各人物の調整を並列実行して集計を返す。
// ロスター取得の失敗はこのロールのサマリーに閉じ込め、他ロールへは波及させない。
func (s *RoleSync) Run(ctx context.Context, roleName string, rec reconcile.Reconciler) model.RoleSummary {
	start := time.Now()
	summary := model.RoleSummary{Role: roleName}

	people, err := s.roster.ListUsersByRole(ctx, roleName)
	if err != nil {
		s.logger.Error("ロスターの取得に失敗しました",
			slog.String("role", roleName),
			slog.String("error", err.Error()),
		)
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to fetch roster for role %s: %v", roleName, err))
		return summary
	}

	if len(people) == 0 {
		s.logger.Warn("同期対象の人物がいません", slog.String("role", roleName))
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("no people found for role %s", roleName))
		return summary
	}

	s.logger.Info("ロール同期を開始します",
		slog.String("role", roleName),
		slog.Int("person_count", len(people)),
	)

	summary.Total = len(people)
	outcomes := make([]model.ReconcileOutcome, len(people))

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for i := range people {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("人物調整がパニックしました",
						slog.String("role", roleName),
						slog.Any("panic", r),
					)
					outcomes[idx] = model.Errorf("panic while reconciling %s: %v", people[idx].FullName(), r)
				}
			}()

			outcomes[idx] = rec.Reconcile(ctx, &people[idx])
		}(i)
	}

	wg.Wait()

	for _, outcome := range outcomes {
		switch outcome.Status {
		case model.OutcomeError:
			summary.Errors = append(summary.Errors, outcome.Message)
		case model.OutcomeWarning:
			summary.Succeeded++
			summary.Warnings = append(summary.Warnings, outcome.Message)
		default:
			summary.Succeeded++
		}
	}

	s.logger.Info("ロール同期が完了しました",
		slog.String("role", roleName),
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("errors", len(summary.Errors)),
		slog.Int("warnings", len(summary.Warnings)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary
}
