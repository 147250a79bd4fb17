package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/repository"
)

// LocalStore はPostgreSQLリポジトリを直接使うStoreの実装。
// パスワードはbcryptでハッシュ化して保存する。
type LocalStore struct {
	users     repository.UserRepository
	cost      int
	dummyHash []byte
}

// NewLocalStore はLocalStoreを生成する。
// costが0の場合はbcrypt.DefaultCostを使用する。
func NewLocalStore(users repository.UserRepository, cost int) (*LocalStore, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// 存在しないメールアドレスでも比較処理を行い、応答時間から登録有無を推測させない。
	dummy, err := bcrypt.GenerateFromPassword([]byte("rentauth-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &LocalStore{users: users, cost: cost, dummyHash: dummy}, nil
}

// VerifyPassword はメールアドレスとパスワードを検証する。
func (s *LocalStore) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, unavailable(err)
	}

	if user == nil || user.Provider != model.ProviderCredentials || user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrNotFound
	}

	return user, nil
}

// FindByProvider は(provider, providerAccountID)でユーザーを検索する。
func (s *LocalStore) FindByProvider(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error) {
	user, err := s.users.FindByProviderAccount(ctx, provider, providerAccountID)
	if err != nil {
		return nil, unavailable(err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// FindByID はIDでユーザーを検索する。
func (s *LocalStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, unavailable(err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// CreateCredentialUser は資格情報ユーザーを作成する。
func (s *LocalStore) CreateCredentialUser(ctx context.Context, in NewCredentialUser) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := in.Role
	user := &model.User{
		Email:        in.Email,
		Name:         in.Name,
		PhoneNumber:  in.PhoneNumber,
		Role:         &role,
		Provider:     model.ProviderCredentials,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, unavailable(err)
	}
	return user, nil
}

// CreateOAuthUser はロール未設定のOAuthユーザーを作成する。
func (s *LocalStore) CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	accountID := profile.ProviderAccountID
	user := &model.User{
		Email:             profile.Email,
		Name:              profile.Name,
		Provider:          profile.Provider,
		ProviderAccountID: &accountID,
	}
	if profile.ImageURL != "" {
		image := profile.ImageURL
		user.ImageURL = &image
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, unavailable(err)
	}
	return user, nil
}

// UpdateProfile はプロフィールを部分更新する。
func (s *LocalStore) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error) {
	user, err := s.users.UpdateProfile(ctx, id, update)
	if err != nil {
		return nil, unavailable(err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// AssignRole はロール未設定のユーザーにロールを設定する。
func (s *LocalStore) AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	assigned, err := s.users.AssignRole(ctx, id, role)
	if err != nil {
		return nil, unavailable(err)
	}

	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, ErrConflict
	}
	return user, nil
}

// DeleteUser はユーザーを削除する。
func (s *LocalStore) DeleteUser(ctx context.Context, id string) error {
	if err := s.users.DeleteByID(ctx, id); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// コンパイル時にインターフェースの実装を検証する。
var _ Store = (*LocalStore)(nil)
