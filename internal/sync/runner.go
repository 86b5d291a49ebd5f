package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/metrics"
	"github.com/hitoshi/groupsync/internal/model"
	"github.com/hitoshi/groupsync/internal/reconcile"
	"github.com/hitoshi/groupsync/internal/report"
)

// CredentialProbe は実行開始前のクレデンシャル検証を抽象化する。
type CredentialProbe interface {
	Me(ctx context.Context) (*model.RosterPerson, error)
}

// Reporter は実行レポートの配信を抽象化する。
type Reporter interface {
	Send(report *model.RunReport) error
}

// Pass は1回の実行に含まれるロール単位の同期パス。
type Pass struct {
	Role       string
	Reconciler reconcile.Reconciler
}

// Runner は同期実行全体を編成する。
// クレデンシャル検証の後、設定された全ロールパスを並列実行し、
// 集計レポートをポリシーに従って配信する。
type Runner struct {
	probe     CredentialProbe
	roleSync  *RoleSync
	passes    []Pass
	reporter  Reporter
	frequency config.ReportFrequency
	collector metrics.MetricsCollector
	logger    *slog.Logger
}

// NewRunner はRunnerを生成する。reporterはnilでもよい（配信なし）。
func NewRunner(
	probe CredentialProbe,
	roleSync *RoleSync,
	passes []Pass,
	reporter Reporter,
	frequency config.ReportFrequency,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		probe:     probe,
		roleSync:  roleSync,
		passes:    passes,
		reporter:  reporter,
		frequency: frequency,
		collector: collector,
		logger:    logger,
	}
}

// Run は同期を1回実行し、レポートを返す。
// クレデンシャル検証の失敗のみが実行全体の失敗となる。
// ロール内のエラーはレポートに閉じ込められる。
func (r *Runner) Run(ctx context.Context) (*model.RunReport, error) {
	runID := uuid.New().String()
	start := time.Now()

	r.logger.Info("同期実行を開始します",
		slog.String("run_id", runID),
		slog.Int("pass_count", len(r.passes)),
	)

	// クレデンシャルが無効なら何も始めない
	if _, err := r.probe.Me(ctx); err != nil {
		r.collector.RecordRun("auth_error")
		r.logger.Error("クレデンシャル検証に失敗しました",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("クレデンシャル検証に失敗: %w", err)
	}

	summaries := make([]model.RoleSummary, len(r.passes))
	var wg sync.WaitGroup

	for i, pass := range r.passes {
		wg.Add(1)
		go func(idx int, p Pass) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("ロール同期がパニックしました",
						slog.String("run_id", runID),
						slog.String("role", p.Role),
						slog.Any("panic", rec),
					)
					summaries[idx] = model.RoleSummary{
						Role:   p.Role,
						Errors: []string{fmt.Sprintf("panic while syncing role %s: %v", p.Role, rec)},
					}
				}
			}()

			summaries[idx] = r.roleSync.Run(ctx, p.Role, p.Reconciler)
		}(i, pass)
	}

	wg.Wait()

	runReport := &model.RunReport{
		RunID:      runID,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Summaries:  summaries,
	}

	r.recordMetrics(runReport)
	r.deliver(runReport)

	r.logger.Info("同期実行が完了しました",
		slog.String("run_id", runID),
		slog.Bool("has_errors", runReport.HasErrors()),
		slog.Bool("has_warnings", runReport.HasWarnings()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return runReport, nil
}

func (r *Runner) recordMetrics(runReport *model.RunReport) {
	result := "success"
	if runReport.HasErrors() {
		result = "error"
	}
	r.collector.RecordRun(result)
	r.collector.RecordRunDuration(runReport.FinishedAt.Sub(runReport.StartedAt))

	for _, summary := range runReport.Summaries {
		errCount := len(summary.Errors)
		warnCount := len(summary.Warnings)
		okCount := summary.Total - errCount - warnCount
		if okCount < 0 {
			okCount = 0
		}
		r.collector.RecordPersons(summary.Role, "success", okCount)
		r.collector.RecordPersons(summary.Role, "warning", warnCount)
		r.collector.RecordPersons(summary.Role, "error", errCount)
	}
}

// deliver はポリシーに従ってレポートを配信する。
// 配信の失敗は記録するのみで、完了済みの同期を失敗させることはない。
func (r *Runner) deliver(runReport *model.RunReport) {
	if r.reporter == nil || !report.ShouldSend(r.frequency, runReport) {
		return
	}

	if err := r.reporter.Send(runReport); err != nil {
		r.collector.RecordReportDelivery("error")
		r.logger.Error("レポートの配信に失敗しました",
			slog.String("run_id", runReport.RunID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.collector.RecordReportDelivery("success")
}
