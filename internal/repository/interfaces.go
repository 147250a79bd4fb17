// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/rentauth/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
// email または (provider, provider_account_id) の重複で返される。
var ErrDuplicate = errors.New("duplicate key")

// ProfileUpdate はプロフィール更新内容。nilの項目は変更しない。
type ProfileUpdate struct {
	Name        *string
	PhoneNumber *string
	ImageURL    *string
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByProviderAccount はproviderとprovider_account_idでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAccount(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error)

	// Create はユーザーを作成する。一意制約違反の場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateProfile はプロフィールを部分更新し、更新後のユーザーを返す。
	// 見つからない場合はnilを返す。
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error)

	// AssignRole はロール未設定のユーザーにのみロールを設定する。
	// 設定した場合はtrue、既に設定済みまたは存在しない場合はfalseを返す。
	AssignRole(ctx context.Context, id string, role model.Role) (bool, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// login_eventsのuser_idはNULLに更新される。
	DeleteByID(ctx context.Context, id string) error
}

// LoginEventRepository はサインイン監査記録の永続化インターフェース。
type LoginEventRepository interface {
	// Create はサインイン記録を作成する。
	Create(ctx context.Context, event *model.LoginEvent) error

	// ListByUserID はユーザーの直近のサインイン記録を新しい順に返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error)
}
