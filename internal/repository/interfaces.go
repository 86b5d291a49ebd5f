// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

// ErrVersionConflict はCAS更新が並行更新に競り負けたことを示す。
// 呼び出し側は最新の値を読み直して処理を継続する。
var ErrVersionConflict = errors.New("credential version conflict")

// CredentialRepository はOAuth2トークンペアの永続化インターフェース。
type CredentialRepository interface {
	// Get は指定キーのクレデンシャルを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, key string) (*model.Credential, error)

	// Save はクレデンシャルを無条件に保存する（初回リンク用）。
	// versionは既存行があればインクリメント、なければ1で保存される。
	Save(ctx context.Context, key string, cred *model.Credential) error

	// CompareAndSwap はversionがexpectedVersionと一致する場合のみ更新する。
	// 一致しない場合はErrVersionConflictを返す。並行リフレッシュが
	// 完了済みの新トークンを古い値で上書きするのを防ぐ。
	CompareAndSwap(ctx context.Context, key string, cred *model.Credential, expectedVersion int64) error
}

// RunLeaseRepository は実行リースレコードの永続化インターフェース。
type RunLeaseRepository interface {
	// Acquire は指定名のリースの取得を試みる。
	// リースが存在しない、完了済み、またはハートビートがstaleAfterより
	// 古い場合に取得に成功しtrueを返す。アクティブな保持者がいる場合はfalse。
	Acquire(ctx context.Context, name, holderID string, staleAfter time.Duration) (bool, error)

	// Heartbeat は保持中リースのハートビート時刻を更新する。
	Heartbeat(ctx context.Context, name, holderID string) error

	// Release はリースを最終状態で解放する。保持者が一致しない場合は何もしない。
	Release(ctx context.Context, name, holderID string, status model.LeaseStatus) error

	// Get は指定名のリースを取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, name string) (*model.RunLease, error)
}
