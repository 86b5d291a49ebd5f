package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind はプロバイダーAPIエラーの分類を表す。
// クライアント境界で1回だけ分類し、呼び出し側はこの閉じた集合のみを扱う。
type ErrorKind int

const (
	// KindUnknown は分類できないプロバイダーエラー。
	KindUnknown ErrorKind = iota
	// KindAuth は認証失敗（未リンク、リフレッシュトークン失効、再リフレッシュ後の401）。
	// 実行全体に対して致命的であり、リトライしない。
	KindAuth
	// KindRateLimited はレート制限超過。遅延後のリトライ対象。
	KindRateLimited
	// KindNotFound は対象リソースが存在しない。
	// メンバー削除などの変更系操作では成功（no-op）として扱われる。
	KindNotFound
	// KindAlreadyExists は対象リソースが既に存在する。
	// メンバー追加やグループ作成では成功（no-op / 既存取得）として扱われる。
	KindAlreadyExists
	// KindAmbiguous は一意であるべき検索が複数件ヒットした。
	KindAmbiguous
	// KindValidation は入力データ不正（パース不能な卒業年度、必須フィールド欠落）。
	KindValidation
)

// String はErrorKindの文字列表現を返す。
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindAmbiguous:
		return "ambiguous"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ProviderError は外部プロバイダーAPIから返されたエラーを表す。
type ProviderError struct {
	// Kind はエラーの分類。
	Kind ErrorKind
	// Provider はエラー発生元（"roster" または "directory"）。
	Provider string
	// StatusCode はHTTPステータスコード。HTTP以前の失敗では0。
	StatusCode int
	// Message はプロバイダーのエラーメッセージをカンマ区切りで結合したもの。
	Message string
	// RetryAfter はKindRateLimitedのときの推奨待機時間。
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// kindOf はerrがProviderErrorの場合にそのKindを返す。
func kindOf(err error) (ErrorKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnknown, false
}

// IsAuth はerrが認証エラーかどうかを返す。
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsRateLimited はerrがレート制限エラーかどうかを返す。
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsNotFound はerrが対象不在エラーかどうかを返す。
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsAlreadyExists はerrが重複エラーかどうかを返す。
func IsAlreadyExists(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAlreadyExists
}

// IsAmbiguous はerrが複数ヒットエラーかどうかを返す。
func IsAmbiguous(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAmbiguous
}
