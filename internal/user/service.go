// Package user はサインイン済みユーザーのプロフィール管理と退会処理を提供する。
package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/model"
)

const maxPhoneLength = 32

const (
	// DefaultSignInLimit はサインイン履歴の既定の取得件数。
	DefaultSignInLimit = 20
	// MaxSignInLimit はサインイン履歴の取得件数の上限。
	MaxSignInLimit = 100
)

// SignInHistory はユーザーごとのサインイン記録を参照する。
type SignInHistory interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error)
}

// NameSanitizer は表示名からマークアップを除去する。
type NameSanitizer interface {
	SanitizeDisplayName(raw string) string
}

// ImageURLValidator はプロフィール画像URLを検証する。
type ImageURLValidator interface {
	ValidateImageURL(rawURL string) error
}

// ProfileInput はプロフィール更新の入力。nilの項目は変更しない。
// PhoneNumberとImageは空文字列で削除する。
type ProfileInput struct {
	Name        *string
	PhoneNumber *string
	Image       *string
}

// Service はユーザー管理のサービス層。
type Service struct {
	store     identity.Store
	history   SignInHistory
	sanitizer NameSanitizer
	images    ImageURLValidator
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// historyがnilの場合、サインイン履歴は常に空になる。
func NewService(store identity.Store, history SignInHistory, sanitizer NameSanitizer, images ImageURLValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		history:   history,
		sanitizer: sanitizer,
		images:    images,
		logger:    logger,
	}
}

// GetProfile はユーザーのプロフィールを取得する。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, s.storeError("failed to find user", userID, err)
	}
	return user, nil
}

// UpdateProfile はプロフィールを部分更新する。
// 表示名はマークアップを除去し、画像URLは安全なhttpsのURLのみ受け付ける。
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*model.User, error) {
	update, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	if update.Name == nil && update.PhoneNumber == nil && update.ImageURL == nil {
		return s.GetProfile(ctx, userID)
	}

	user, err := s.store.UpdateProfile(ctx, userID, update)
	if err != nil {
		return nil, s.storeError("failed to update profile", userID, err)
	}

	s.logger.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}

func (s *Service) validate(in ProfileInput) (identity.ProfileUpdate, error) {
	var update identity.ProfileUpdate

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if s.sanitizer != nil {
			name = s.sanitizer.SanitizeDisplayName(name)
		}
		if name == "" {
			return update, model.NewValidationError("name must not be empty")
		}
		update.Name = &name
	}

	if in.PhoneNumber != nil {
		phone := strings.TrimSpace(*in.PhoneNumber)
		if len(phone) > maxPhoneLength {
			return update, model.NewValidationError("phone number is too long")
		}
		update.PhoneNumber = &phone
	}

	if in.Image != nil {
		image := strings.TrimSpace(*in.Image)
		if image != "" && s.images != nil {
			if err := s.images.ValidateImageURL(image); err != nil {
				return update, model.NewValidationError("image must be a public https URL")
			}
		}
		update.ImageURL = &image
	}

	return update, nil
}

// RecentSignIns はユーザーの直近のサインイン記録を新しい順に返す。
// limitが0以下なら既定件数、上限を超える場合は上限に丸める。
func (s *Service) RecentSignIns(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error) {
	switch {
	case limit <= 0:
		limit = DefaultSignInLimit
	case limit > MaxSignInLimit:
		limit = MaxSignInLimit
	}
	if s.history == nil {
		return []*model.LoginEvent{}, nil
	}

	events, err := s.history.ListByUserID(ctx, userID, limit)
	if err != nil {
		s.logger.Error("failed to list sign-in history",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInternalError()
	}
	if events == nil {
		events = []*model.LoginEvent{}
	}
	return events, nil
}

// Withdraw はユーザーの退会処理を実行する。
// サインイン記録はuser_idをNULLにして残る。発行済みのトークンは有効期限まで失効しないが、
// ユーザーが存在しないためトークン再発行やプロフィール取得は失敗する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	if _, err := s.store.FindByID(ctx, userID); err != nil {
		return s.storeError("failed to find user", userID, err)
	}

	s.logger.Info("withdrawing user", slog.String("user_id", userID))

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return s.storeError("failed to delete user", userID, err)
	}

	s.logger.Info("user withdrawn", slog.String("user_id", userID))
	return nil
}

// storeError はストアのエラーをAPIErrorに変換する。
func (s *Service) storeError(msg, userID string, err error) error {
	if errors.Is(err, identity.ErrNotFound) {
		return model.NewUserNotFoundError()
	}
	s.logger.Error(msg,
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	return model.NewIdentityStoreUnavailableError()
}
