package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したクレデンシャルリポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Get は指定キーのクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Get(ctx context.Context, key string) (*model.Credential, error) {
	cred := &model.Credential{}
	var refreshExpiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, refresh_expires_at, version, updated_at
		 FROM credentials WHERE key = $1`,
		key,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &refreshExpiresAt, &cred.Version, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	if refreshExpiresAt.Valid {
		cred.RefreshExpiresAt = refreshExpiresAt.Time
	}

	return cred, nil
}

// Save はクレデンシャルを無条件に保存する（初回リンク用）。
func (r *PostgresCredentialRepo) Save(ctx context.Context, key string, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (key, access_token, refresh_token, expires_at, refresh_expires_at, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, now())
		 ON CONFLICT (key) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   refresh_expires_at = EXCLUDED.refresh_expires_at,
		   version = credentials.version + 1,
		   updated_at = now()`,
		key, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, nullTime(cred.RefreshExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

// CompareAndSwap はversionがexpectedVersionと一致する場合のみ更新する。
func (r *PostgresCredentialRepo) CompareAndSwap(ctx context.Context, key string, cred *model.Credential, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET
		   access_token = $2,
		   refresh_token = $3,
		   expires_at = $4,
		   refresh_expires_at = $5,
		   version = version + 1,
		   updated_at = now()
		 WHERE key = $1 AND version = $6`,
		key, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, nullTime(cred.RefreshExpiresAt), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
