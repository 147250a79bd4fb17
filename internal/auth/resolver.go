package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// SelectRoleInput はロール選択の送信内容。
type SelectRoleInput struct {
	// Pending は署名付きCookieから復元した仮登録情報。Cookieがなければnil。
	Pending *model.PendingRegistration
	// Claims はリクエストのセッショントークン。トークンがなければnil。
	Claims *token.Claims

	Provider          string
	ProviderAccountID string
	Email             string
	Role              string
}

// RoleResolver はロール未設定（UNRESOLVED）のUserにロールを設定し、
// RESOLVEDへ遷移させる。一度設定したロールは変更しない。
type RoleResolver struct {
	store      identity.Store
	pendingTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewRoleResolver はRoleResolverを生成する。
func NewRoleResolver(store identity.Store, pendingTTL time.Duration, logger *slog.Logger) *RoleResolver {
	return &RoleResolver{store: store, pendingTTL: pendingTTL, now: time.Now, logger: logger}
}

// SelectRole は仮登録情報と送信内容を照合したうえでロールを設定する。
// 照合に失敗した場合はストアを変更せずにMISSING_PENDING_IDENTITYを返す。
func (r *RoleResolver) SelectRole(ctx context.Context, in SelectRoleInput) (*model.User, error) {
	pending := in.Pending
	if pending == nil || pending.Expired(r.now(), r.pendingTTL) {
		return nil, model.NewMissingPendingIdentityError()
	}

	provider, ok := model.ParseProvider(in.Provider)
	if !ok || !pending.Matches(provider, in.ProviderAccountID, in.Email) {
		r.logger.Warn("role selection does not match pending registration",
			slog.String("provider", in.Provider),
		)
		return nil, model.NewMissingPendingIdentityError()
	}

	if in.Claims != nil &&
		(in.Claims.Provider != pending.Provider || in.Claims.ProviderAccountID != pending.ProviderAccountID) {
		r.logger.Warn("role selection token does not match pending registration",
			slog.String("user_id", in.Claims.UserID()),
		)
		return nil, model.NewMissingPendingIdentityError()
	}

	role, ok := model.ParseRole(in.Role)
	if !ok {
		return nil, model.NewInvalidRoleError(in.Role)
	}

	user, err := r.store.FindByProvider(ctx, pending.Provider, pending.ProviderAccountID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, model.NewMissingPendingIdentityError()
		}
		r.logger.Error("failed to find user for role selection", slog.String("error", err.Error()))
		return nil, model.NewIdentityStoreUnavailableError()
	}
	if in.Claims != nil && in.Claims.UserID() != user.ID {
		r.logger.Warn("role selection token subject does not match user",
			slog.String("user_id", user.ID),
		)
		return nil, model.NewMissingPendingIdentityError()
	}
	if user.Role != nil {
		return nil, model.NewRoleAlreadyAssignedError()
	}

	updated, err := r.store.AssignRole(ctx, user.ID, role)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrConflict):
		return nil, model.NewRoleAlreadyAssignedError()
	case errors.Is(err, identity.ErrNotFound):
		return nil, model.NewMissingPendingIdentityError()
	default:
		r.logger.Error("failed to assign role",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewIdentityStoreUnavailableError()
	}

	r.logger.Info("role assigned",
		slog.String("user_id", updated.ID),
		slog.String("role", string(role)),
	)
	return updated, nil
}
