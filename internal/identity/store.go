// Package identity はユーザーの同一性を管理するアイデンティティストアを提供する。
//
// Storeはローカル（PostgreSQL + bcrypt）とリモート（HTTP）の2つの実装を持つ。
// 呼び出し側はErrNotFound、ErrConflict、ErrUnavailableをerrors.Isで判別する。
// ErrUnavailable（接続失敗・タイムアウト・5xx）を「ユーザーが存在しない」と
// 扱ってはならない。
package identity

import (
	"context"
	"errors"

	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/repository"
)

var (
	// ErrNotFound は該当ユーザーが存在しない、または資格情報が一致しないことを表す。
	ErrNotFound = errors.New("identity not found")
	// ErrConflict は一意制約の競合、またはロールが既に設定済みであることを表す。
	ErrConflict = errors.New("identity conflict")
	// ErrUnavailable はストアに到達できないことを表す。
	ErrUnavailable = errors.New("identity store unavailable")
)

// ProfileUpdate はプロフィール更新内容。nilの項目は変更しない。
type ProfileUpdate = repository.ProfileUpdate

// NewCredentialUser は資格情報ユーザーの登録内容。
type NewCredentialUser struct {
	Email       string
	Password    string
	Name        string
	PhoneNumber *string
	Role        model.Role
}

// Store はアイデンティティストアのインターフェース。
type Store interface {
	// VerifyPassword はメールアドレスとパスワードを検証する。
	// 一致しない場合はErrNotFoundを返し、どちらが誤っていたかは区別しない。
	VerifyPassword(ctx context.Context, email, password string) (*model.User, error)

	// FindByProvider は(provider, providerAccountID)でユーザーを検索する。
	FindByProvider(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error)

	// FindByID はIDでユーザーを検索する。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateCredentialUser は資格情報ユーザーを作成する。
	// メールアドレスが重複する場合はErrConflictを返す。
	CreateCredentialUser(ctx context.Context, in NewCredentialUser) (*model.User, error)

	// CreateOAuthUser はロール未設定のOAuthユーザーを作成する。
	// (provider, providerAccountID)またはメールアドレスが重複する場合はErrConflictを返す。
	CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error)

	// UpdateProfile はプロフィールを部分更新する。
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error)

	// AssignRole はロール未設定のユーザーにロールを設定する。
	// 既に設定済みの場合はErrConflictを返す。
	AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error)

	// DeleteUser はユーザーを削除する。
	DeleteUser(ctx context.Context, id string) error
}
