package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/model"
)

// OAuthLinker は外部IdPのプロフィールをローカルのUserに紐付ける。
// (provider, providerAccountID)を検索キーとし、同じ外部アカウントに対して
// Userを重複作成しない。
type OAuthLinker struct {
	store  identity.Store
	logger *slog.Logger
}

// NewOAuthLinker はOAuthLinkerを生成する。
func NewOAuthLinker(store identity.Store, logger *slog.Logger) *OAuthLinker {
	return &OAuthLinker{store: store, logger: logger}
}

// Link はプロフィールに対応するUserを返す。
// 未登録の場合はロール未設定のUserを作成する。
// 作成が一意制約で競合した場合は検索を1回だけやり直し、既存ユーザーとして扱う。
func (l *OAuthLinker) Link(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	if !profile.Provider.IsOAuth() || profile.ProviderAccountID == "" || profile.Email == "" {
		return nil, model.NewOAuthFailedError()
	}

	user, err := l.store.FindByProvider(ctx, profile.Provider, profile.ProviderAccountID)
	switch {
	case err == nil:
		return l.refresh(ctx, user, profile), nil
	case !errors.Is(err, identity.ErrNotFound):
		l.logStoreError("failed to find user by provider", err, profile)
		return nil, model.NewIdentityStoreUnavailableError()
	}

	created, err := l.store.CreateOAuthUser(ctx, profile)
	if err == nil {
		l.logger.Info("new oauth user created",
			slog.String("user_id", created.ID),
			slog.String("provider", string(profile.Provider)),
		)
		return created, nil
	}
	if !errors.Is(err, identity.ErrConflict) {
		l.logStoreError("failed to create oauth user", err, profile)
		return nil, model.NewIdentityStoreUnavailableError()
	}

	// 同じ外部アカウントのコールバックが並行して届いた場合、負けた側はここに来る。
	user, err = l.store.FindByProvider(ctx, profile.Provider, profile.ProviderAccountID)
	switch {
	case err == nil:
		l.logger.Info("oauth user creation raced, using existing user",
			slog.String("user_id", user.ID),
			slog.String("provider", string(profile.Provider)),
		)
		return user, nil
	case errors.Is(err, identity.ErrNotFound):
		// 外部アカウントは未登録だがメールアドレスが他の認証元で使われている。
		return nil, model.NewEmailAlreadyRegisteredError()
	default:
		l.logStoreError("failed to re-find user after conflict", err, profile)
		return nil, model.NewIdentityStoreUnavailableError()
	}
}

// refresh は名前とプロフィール画像がIdP側で変わっていれば更新する。
// 更新に失敗してもサインインは継続し、保存済みの値を使う。
func (l *OAuthLinker) refresh(ctx context.Context, user *model.User, profile model.OAuthProfile) *model.User {
	var update identity.ProfileUpdate
	if profile.Name != "" && profile.Name != user.Name {
		name := profile.Name
		update.Name = &name
	}
	if profile.ImageURL != "" && (user.ImageURL == nil || *user.ImageURL != profile.ImageURL) {
		image := profile.ImageURL
		update.ImageURL = &image
	}
	if update.Name == nil && update.ImageURL == nil {
		return user
	}

	updated, err := l.store.UpdateProfile(ctx, user.ID, update)
	if err != nil {
		l.logger.Warn("failed to refresh oauth profile",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return user
	}
	return updated
}

func (l *OAuthLinker) logStoreError(msg string, err error, profile model.OAuthProfile) {
	l.logger.Error(msg,
		slog.String("provider", string(profile.Provider)),
		slog.String("error", err.Error()),
	)
}
