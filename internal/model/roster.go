// Package model はドメインモデルを定義する。
package model

import "time"

// Credential はソースロスターAPIのOAuth2トークンペアを表す。
// CredentialStoreのみが所有し、リフレッシュ操作のみが値を変更する。
type Credential struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	// Version は楽観ロック用の単調増加カウンタ。
	// 並行リフレッシュが完了済みの新トークンを古い値で上書きするのを防ぐ。
	Version   int64
	UpdatedAt time.Time
}

// Expired はアクセストークンが失効しているかどうかを返す。
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshExpired はリフレッシュトークンの有効期間が経過しているかどうかを返す。
// RefreshExpiresAtが未設定の場合は失効していないとみなす。
func (c *Credential) RefreshExpired(now time.Time) bool {
	return !c.RefreshExpiresAt.IsZero() && !now.Before(c.RefreshExpiresAt)
}

// Role はロスター上のロール（Student、Parentなど）を表す。
type Role struct {
	ID         int64  `json:"id"`
	BaseRoleID int64  `json:"base_role_id"`
	Name       string `json:"name"`
}

// Relationship はロスター上の人物間の関係を表す。
type Relationship struct {
	// PersonID は関係先の人物ID。
	PersonID int64 `json:"user_two_id"`
	// GuardianOf は関係元が関係先の保護者として扱われる場合にtrue。
	GuardianOf bool `json:"list_as_parent"`
}

// RosterPerson はロスターから取得した人物のイミュータブルなスナップショット。
// ワークフロー実行ごとに1回取得され、実行中は変更されない。
type RosterPerson struct {
	ID            int64          `json:"id"`
	FirstName     string         `json:"first_name"`
	LastName      string         `json:"last_name"`
	PreferredName string         `json:"preferred_name"`
	Email         string         `json:"email"`
	Roles         []Role         `json:"roles"`
	GradYear      string         `json:"grad_year"`
	Relationships []Relationship `json:"relationships"`
}

// FullName は姓名を連結した表示名を返す。
func (p *RosterPerson) FullName() string {
	return p.FirstName + " " + p.LastName
}

// PreferredFullName は通称と姓を連結した表示名を返す。
// 通称が未設定の場合は空文字列を返す。
func (p *RosterPerson) PreferredFullName() string {
	if p.PreferredName == "" {
		return ""
	}
	return p.PreferredName + " " + p.LastName
}

// HasRole は指定された名前のロールを保持しているかどうかを返す。
func (p *RosterPerson) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}
