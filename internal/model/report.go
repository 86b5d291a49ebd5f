package model

import (
	"fmt"
	"time"
)

// OutcomeStatus は1人分の同期処理の結果区分。
type OutcomeStatus string

const (
	// OutcomeSuccess は正常完了（意図的なスキップを含む）。
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeWarning は同期は継続したが注意すべき事象があった。
	OutcomeWarning OutcomeStatus = "warning"
	// OutcomeError はこの人物の同期が完了できなかった。
	OutcomeError OutcomeStatus = "error"
)

// ReconcileOutcome は1人分の同期処理の結果。
// 例外としてではなく常に値として上位へ返される。
type ReconcileOutcome struct {
	Status  OutcomeStatus
	Message string
}

// Success は正常完了のReconcileOutcomeを返す。
func Success() ReconcileOutcome {
	return ReconcileOutcome{Status: OutcomeSuccess}
}

// Warningf は警告付きのReconcileOutcomeを返す。
func Warningf(format string, args ...any) ReconcileOutcome {
	return ReconcileOutcome{Status: OutcomeWarning, Message: fmt.Sprintf(format, args...)}
}

// Errorf はエラーのReconcileOutcomeを返す。
func Errorf(format string, args ...any) ReconcileOutcome {
	return ReconcileOutcome{Status: OutcomeError, Message: fmt.Sprintf(format, args...)}
}

// RoleSummary は1ロール分の同期結果の集計。
type RoleSummary struct {
	Role      string
	Total     int
	Succeeded int
	Errors    []string
	Warnings  []string
}

// RunReport は1回の同期実行全体のレポート。
// 設定されたロール順にRoleSummaryを保持する。
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Summaries  []RoleSummary
}

// HasErrors はいずれかのロールでエラーが発生したかどうかを返す。
func (r *RunReport) HasErrors() bool {
	for _, s := range r.Summaries {
		if len(s.Errors) > 0 {
			return true
		}
	}
	return false
}

// HasWarnings はいずれかのロールで警告が発生したかどうかを返す。
func (r *RunReport) HasWarnings() bool {
	for _, s := range r.Summaries {
		if len(s.Warnings) > 0 {
			return true
		}
	}
	return false
}
