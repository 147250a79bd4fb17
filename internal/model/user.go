// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの役割を表す。
type Role string

const (
	RoleTenant  Role = "TENANT"
	RoleManager Role = "MANAGER"
)

// ParseRole は文字列をRoleに変換する。大文字小文字は区別しない。
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Valid はRoleが定義済みの値かを返す。
func (r Role) Valid() bool {
	return r == RoleTenant || r == RoleManager
}

// Provider は認証元を表す。
type Provider string

const (
	ProviderCredentials Provider = "credentials"
	ProviderGoogle      Provider = "google"
	ProviderGitHub      Provider = "github"
)

// ParseProvider は文字列をProviderに変換する。
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderCredentials, ProviderGoogle, ProviderGitHub:
		return p, true
	}
	return "", false
}

// IsOAuth は外部IdPによる認証元かを返す。
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderGitHub
}

// User はサービス利用ユーザーを表す。
// Roleはロール選択が完了するまでnil。
// ProviderAccountIDは資格情報ユーザーではnil。
type User struct {
	ID                string
	Email             string
	Name              string
	PhoneNumber       *string
	ImageURL          *string
	Role              *Role
	Provider          Provider
	ProviderAccountID *string
	PasswordHash      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NeedsRoleSelection はロール未選択かを返す。
func (u *User) NeedsRoleSelection() bool {
	return u.Role == nil
}

// Identity はUserを正規化されたIdentityに変換する。
func (u *User) Identity() *Identity {
	id := &Identity{
		UserID:   u.ID,
		Email:    u.Email,
		Name:     u.Name,
		Provider: u.Provider,
	}
	if u.ImageURL != nil {
		id.Image = *u.ImageURL
	}
	if u.ProviderAccountID != nil {
		id.ProviderAccountID = *u.ProviderAccountID
	}
	if u.Role != nil {
		r := *u.Role
		id.Role = &r
	}
	return id
}

// Identity は認証済みユーザーの正規化された表現。
// 認証経路（資格情報・OAuth）によらず同じ形でトークン発行に渡される。
type Identity struct {
	UserID            string
	Email             string
	Name              string
	Image             string
	Role              *Role
	Provider          Provider
	ProviderAccountID string
}

// NeedsRoleSelection はロール未選択かを返す。
func (i *Identity) NeedsRoleSelection() bool {
	return i.Role == nil
}

// OAuthProfile は外部IdPが検証済みとして返したユーザー情報。
type OAuthProfile struct {
	Provider          Provider
	ProviderAccountID string
	Email             string
	Name              string
	ImageURL          string
}

// PendingRegistration はOAuth初回ログインからロール選択までの間、
// クライアント側（署名付きCookie）に保持される仮登録情報。
type PendingRegistration struct {
	Provider          Provider  `json:"provider"`
	ProviderAccountID string    `json:"providerAccountId"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	Image             string    `json:"image"`
	IssuedAt          time.Time `json:"issuedAt"`
}

// Matches は送信された識別子が仮登録情報と一致するかを返す。
// メールアドレスは大文字小文字を区別しない。
func (p *PendingRegistration) Matches(provider Provider, providerAccountID, email string) bool {
	if p == nil || p.ProviderAccountID == "" {
		return false
	}
	return p.Provider == provider &&
		p.ProviderAccountID == providerAccountID &&
		strings.EqualFold(p.Email, email)
}

// Expired は仮登録情報が有効期限を過ぎているかを返す。
func (p *PendingRegistration) Expired(now time.Time, ttl time.Duration) bool {
	return p.IssuedAt.IsZero() || now.After(p.IssuedAt.Add(ttl))
}

// NormalizeEmail はメールアドレスを比較・保存用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
