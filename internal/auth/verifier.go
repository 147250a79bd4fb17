package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/model"
)

// CredentialVerifier はメールアドレスとパスワードをアイデンティティストアで検証する。
// 不一致もストア障害も「一致なし」として返し、どちらの項目が誤っていたかを漏らさない。
type CredentialVerifier struct {
	store  identity.Store
	logger *slog.Logger
}

// NewCredentialVerifier はCredentialVerifierを生成する。
func NewCredentialVerifier(store identity.Store, logger *slog.Logger) *CredentialVerifier {
	return &CredentialVerifier{store: store, logger: logger}
}

// Verify は資格情報を検証し、一致した場合は正規化されたIdentityを返す。
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (*model.Identity, bool) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, false
	}

	user, err := v.store.VerifyPassword(ctx, email, password)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			v.logger.Warn("credential verification failed",
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	// 資格情報ユーザー以外が返ってきた場合は信用しない。
	if user.Provider != model.ProviderCredentials {
		v.logger.Warn("identity store returned non-credentials user for password check",
			slog.String("user_id", user.ID),
			slog.String("provider", string(user.Provider)),
		)
		return nil, false
	}

	return user.Identity(), true
}
