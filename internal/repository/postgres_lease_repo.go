package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

// PostgresRunLeaseRepo はPostgreSQLを使用した実行リースリポジトリ。
type PostgresRunLeaseRepo struct {
	db *sql.DB
}

// NewPostgresRunLeaseRepo はPostgresRunLeaseRepoを生成する。
func NewPostgresRunLeaseRepo(db *sql.DB) *PostgresRunLeaseRepo {
	return &PostgresRunLeaseRepo{db: db}
}

// Acquire は指定名のリースの取得を試みる。
// INSERT ... ON CONFLICTの条件付きUPDATEにより、取得判定と保持者の記録を
// 単一のアトミックな文で行う。ハートビートがstaleAfterより古いrunning
// リースはクラッシュした保持者のものとみなし、引き継いで取得する。
func (r *PostgresRunLeaseRepo) Acquire(ctx context.Context, name, holderID string, staleAfter time.Duration) (bool, error) {
	var acquired string

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO run_leases (name, holder_id, status, started_at, heartbeat_at, finished_at)
		 VALUES ($1, $2, 'running', now(), now(), NULL)
		 ON CONFLICT (name) DO UPDATE SET
		   holder_id = EXCLUDED.holder_id,
		   status = 'running',
		   started_at = now(),
		   heartbeat_at = now(),
		   finished_at = NULL
		 WHERE run_leases.status <> 'running'
		    OR run_leases.heartbeat_at < now() - ($3 * interval '1 second')
		 RETURNING name`,
		name, holderID, staleAfter.Seconds(),
	).Scan(&acquired)

	if err == sql.ErrNoRows {
		// アクティブな保持者がいる
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lease: %w", err)
	}

	return true, nil
}

// Heartbeat は保持中リースのハートビート時刻を更新する。
func (r *PostgresRunLeaseRepo) Heartbeat(ctx context.Context, name, holderID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_leases SET heartbeat_at = now()
		 WHERE name = $1 AND holder_id = $2 AND status = 'running'`,
		name, holderID,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run lease: %w", err)
	}

	return nil
}

// Release はリースを最終状態で解放する。保持者が一致しない場合は何もしない。
func (r *PostgresRunLeaseRepo) Release(ctx context.Context, name, holderID string, status model.LeaseStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_leases SET status = $3, finished_at = now(), heartbeat_at = now()
		 WHERE name = $1 AND holder_id = $2`,
		name, holderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}

	return nil
}

// Get は指定名のリースを取得する。見つからない場合はnilを返す。
func (r *PostgresRunLeaseRepo) Get(ctx context.Context, name string) (*model.RunLease, error) {
	lease := &model.RunLease{}
	var finishedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT name, holder_id, status, started_at, heartbeat_at, finished_at
		 FROM run_leases WHERE name = $1`,
		name,
	).Scan(&lease.Name, &lease.HolderID, &lease.Status, &lease.StartedAt, &lease.HeartbeatAt, &finishedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run lease: %w", err)
	}

	if finishedAt.Valid {
		lease.FinishedAt = &finishedAt.Time
	}

	return lease, nil
}
