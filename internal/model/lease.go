package model

import "time"

// LeaseStatus は実行リースの状態を表す。
type LeaseStatus string

const (
	// LeaseRunning は同期実行が進行中であることを示す。
	LeaseRunning LeaseStatus = "running"
	// LeaseSucceeded は直近の実行が正常終了したことを示す。
	LeaseSucceeded LeaseStatus = "succeeded"
	// LeaseFailed は直近の実行が失敗終了したことを示す。
	LeaseFailed LeaseStatus = "failed"
)

// RunLease は名前付きワークフロー実行が現在アクティブであることを主張するレコード。
// 同時に複数の同期実行が走ることを防ぐために使う。
type RunLease struct {
	Name        string
	HolderID    string
	Status      LeaseStatus
	StartedAt   time.Time
	HeartbeatAt time.Time
	FinishedAt  *time.Time
}

// Active はリースが現在有効（実行中かつハートビートが新しい）かどうかを返す。
func (l *RunLease) Active(now time.Time, staleAfter time.Duration) bool {
	return l.Status == LeaseRunning && now.Sub(l.HeartbeatAt) < staleAfter
}
