// Package auth は資格情報・OAuthによるサインイン、外部アカウントの紐付け、
// ロール選択、セッショントークンの発行を提供する。
//
// 資格情報またはOAuthでUserを特定し、ロールの有無を判定したうえでトークンを発行する。
// ロール未設定のUserにはneeds_role_selection付きのトークンと仮登録Cookieを渡し、
// ロール選択が完了するまで完全なセッションを発行しない。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/metrics"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/repository"
	"github.com/hitoshi/rentauth/internal/token"
)

const (
	minPasswordLength = 8
	// bcryptは72バイトを超える部分を無視する。
	maxPasswordLength = 72
	maxEmailLength    = 320
	maxPhoneLength    = 32
	maxUserAgentLen   = 512

	eventWriteTimeout = 2 * time.Second
)

// NameSanitizer は表示名からマークアップを除去する。
type NameSanitizer interface {
	SanitizeDisplayName(raw string) string
}

// ImageURLValidator はプロフィール画像URLを検証する。
type ImageURLValidator interface {
	ValidateImageURL(rawURL string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	PendingTTL   time.Duration // 仮登録情報の有効期間
	OAuthTimeout time.Duration // コード交換とプロフィール取得の上限時間
}

// ServiceDeps はServiceの依存。
// EventsとMetricsはnilでもよい。
type ServiceDeps struct {
	Store     identity.Store
	Issuer    *token.Issuer
	Providers []OAuthProvider
	Events    repository.LoginEventRepository
	Metrics   metrics.MetricsCollector
	Sanitizer NameSanitizer
	Images    ImageURLValidator
	Logger    *slog.Logger
}

// RequestMeta はサインイン記録に残すリクエスト情報。
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
}

// AuthResult はサインイン・ロール選択・再発行の結果。
type AuthResult struct {
	Token  string
	Claims *token.Claims
	User   *model.User
	// Pending はロール選択が必要な場合のみ設定される仮登録情報。
	Pending *model.PendingRegistration
}

// NeedsRoleSelection は発行したトークンがロール選択待ちかを返す。
func (r *AuthResult) NeedsRoleSelection() bool {
	return r.Claims != nil && r.Claims.NeedsRoleSelection
}

// RegisterInput は資格情報による新規登録の入力。
type RegisterInput struct {
	Email       string
	Password    string
	Name        string
	PhoneNumber *string
	Role        string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store     identity.Store
	verifier  *CredentialVerifier
	linker    *OAuthLinker
	resolver  *RoleResolver
	issuer    *token.Issuer
	providers map[model.Provider]OAuthProvider
	events    repository.LoginEventRepository
	metrics   metrics.MetricsCollector
	sanitizer NameSanitizer
	images    ImageURLValidator
	config    ServiceConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	providers := make(map[model.Provider]OAuthProvider, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p.Name()] = p
	}

	return &Service{
		store:     deps.Store,
		verifier:  NewCredentialVerifier(deps.Store, logger),
		linker:    NewOAuthLinker(deps.Store, logger),
		resolver:  NewRoleResolver(deps.Store, config.PendingTTL, logger),
		issuer:    deps.Issuer,
		providers: providers,
		events:    deps.Events,
		metrics:   collector,
		sanitizer: deps.Sanitizer,
		images:    deps.Images,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Providers は有効なOAuthプロバイダー名を返す。
func (s *Service) Providers() []model.Provider {
	names := make([]model.Provider, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// HasProvider はプロバイダーが有効かを返す。
func (s *Service) HasProvider(name model.Provider) bool {
	_, ok := s.providers[name]
	return ok
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(provider model.Provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", model.NewOAuthFailedError()
	}
	return p.GetLoginURL(state), nil
}

// LoginWithCredentials はメールアドレスとパスワードでサインインする。
func (s *Service) LoginWithCredentials(ctx context.Context, email, password string, meta RequestMeta) (*AuthResult, error) {
	id, ok := s.verifier.Verify(ctx, email, password)
	if !ok {
		s.recordEvent(ctx, nil, model.ProviderCredentials, model.LoginOutcomeFailure, meta)
		return nil, model.NewInvalidCredentialsError()
	}

	result, err := s.issue(id)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, &id.UserID, model.ProviderCredentials, outcomeOf(result), meta)
	return result, nil
}

// Register は資格情報ユーザーを登録し、トークンを発行する。
// 資格情報ユーザーは登録時にロールを選ぶため、ロール選択は不要。
func (s *Service) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*AuthResult, error) {
	newUser, err := s.validateRegistration(in)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateCredentialUser(ctx, *newUser)
	if err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return nil, model.NewEmailAlreadyRegisteredError()
		}
		s.logger.Error("failed to create credential user", slog.String("error", err.Error()))
		return nil, model.NewIdentityStoreUnavailableError()
	}

	s.logger.Info("credential user registered",
		slog.String("user_id", user.ID),
		slog.String("role", string(newUser.Role)),
	)

	result, err := s.issue(user.Identity())
	if err != nil {
		return nil, err
	}
	result.User = user
	s.recordEvent(ctx, &user.ID, model.ProviderCredentials, outcomeOf(result), meta)
	return result, nil
}

func (s *Service) validateRegistration(in RegisterInput) (*identity.NewCredentialUser, error) {
	email := model.NormalizeEmail(in.Email)
	if email == "" || len(email) > maxEmailLength {
		return nil, model.NewValidationError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, model.NewValidationError("email is invalid")
	}

	if len(in.Password) < minPasswordLength || len(in.Password) > maxPasswordLength {
		return nil, model.NewValidationError("password must be between 8 and 72 characters")
	}

	name := strings.TrimSpace(in.Name)
	if s.sanitizer != nil {
		name = s.sanitizer.SanitizeDisplayName(name)
	}
	if name == "" {
		return nil, model.NewValidationError("name is required")
	}

	if strings.TrimSpace(in.Role) == "" {
		return nil, model.NewValidationError("role is required")
	}
	role, ok := model.ParseRole(in.Role)
	if !ok {
		return nil, model.NewInvalidRoleError(in.Role)
	}

	var phone *string
	if in.PhoneNumber != nil {
		if p := strings.TrimSpace(*in.PhoneNumber); p != "" {
			if len(p) > maxPhoneLength {
				return nil, model.NewValidationError("phone number is too long")
			}
			phone = &p
		}
	}

	return &identity.NewCredentialUser{
		Email:       email,
		Password:    in.Password,
		Name:        name,
		PhoneNumber: phone,
		Role:        role,
	}, nil
}

// HandleCallback はOAuthコールバックを処理し、トークンを発行する。
// 初回サインインのユーザーにはロール選択待ちのトークンと仮登録情報を返す。
func (s *Service) HandleCallback(ctx context.Context, provider model.Provider, code string, meta RequestMeta) (*AuthResult, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewOAuthFailedError()
	}

	exchangeCtx := ctx
	if s.config.OAuthTimeout > 0 {
		var cancel context.CancelFunc
		exchangeCtx, cancel = context.WithTimeout(ctx, s.config.OAuthTimeout)
		defer cancel()
	}

	profile, err := p.ExchangeCode(exchangeCtx, code)
	if err != nil {
		s.logger.Warn("oauth code exchange failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		s.recordEvent(ctx, nil, provider, model.LoginOutcomeFailure, meta)
		return nil, model.NewOAuthFailedError()
	}

	user, err := s.linker.Link(ctx, s.normalizeProfile(*profile))
	if err != nil {
		s.recordEvent(ctx, nil, provider, model.LoginOutcomeFailure, meta)
		return nil, err
	}

	result, err := s.issue(user.Identity())
	if err != nil {
		return nil, err
	}
	result.User = user

	if result.NeedsRoleSelection() {
		pending := &model.PendingRegistration{
			Provider: user.Provider,
			Email:    user.Email,
			Name:     user.Name,
			IssuedAt: s.now(),
		}
		if user.ProviderAccountID != nil {
			pending.ProviderAccountID = *user.ProviderAccountID
		}
		if user.ImageURL != nil {
			pending.Image = *user.ImageURL
		}
		result.Pending = pending
	}

	s.recordEvent(ctx, &user.ID, provider, outcomeOf(result), meta)
	return result, nil
}

// normalizeProfile はIdPから受け取った値を信頼境界で正規化する。
// 表示名はマークアップを除去し、安全でない画像URLは捨てる。
func (s *Service) normalizeProfile(profile model.OAuthProfile) model.OAuthProfile {
	profile.Email = model.NormalizeEmail(profile.Email)

	if s.sanitizer != nil {
		profile.Name = s.sanitizer.SanitizeDisplayName(profile.Name)
	}
	if profile.Name == "" {
		profile.Name, _, _ = strings.Cut(profile.Email, "@")
	}

	if profile.ImageURL != "" && s.images != nil {
		if err := s.images.ValidateImageURL(profile.ImageURL); err != nil {
			s.logger.Warn("discarding unsafe profile image url",
				slog.String("provider", string(profile.Provider)),
				slog.String("error", err.Error()),
			)
			profile.ImageURL = ""
		}
	}
	return profile
}

// SelectRole はロールを設定し、needs_role_selectionを解除したトークンを再発行する。
func (s *Service) SelectRole(ctx context.Context, in SelectRoleInput, meta RequestMeta) (*AuthResult, error) {
	user, err := s.resolver.SelectRole(ctx, in)
	if err != nil {
		label := "invalid"
		if role, ok := model.ParseRole(in.Role); ok {
			label = string(role)
		}
		s.metrics.RecordRoleSelection(label, "rejected")
		return nil, err
	}
	s.metrics.RecordRoleSelection(string(*user.Role), "success")

	result, err := s.issue(user.Identity())
	if err != nil {
		return nil, err
	}
	result.User = user
	s.recordEvent(ctx, &user.ID, user.Provider, outcomeOf(result), meta)
	return result, nil
}

// Refresh は保存済みのUserからトークンを再発行する。
// ロールが設定済みであればneeds_role_selectionは解除される。
func (s *Service) Refresh(ctx context.Context, claims *token.Claims) (*AuthResult, error) {
	if claims == nil {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.CurrentUser(ctx, claims.UserID())
	if err != nil {
		return nil, err
	}
	if user.Provider != claims.Provider {
		return nil, model.NewUnauthorizedError()
	}

	result, err := s.issue(user.Identity())
	if err != nil {
		return nil, err
	}
	result.User = user
	return result, nil
}

// CurrentUser はトークンのユーザーを取得する。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		s.logger.Error("failed to find current user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewIdentityStoreUnavailableError()
	}
	return user, nil
}

// issue はIdentityからトークンを発行する。
func (s *Service) issue(id *model.Identity) (*AuthResult, error) {
	raw, claims, err := s.issuer.Issue(id)
	if err != nil {
		s.logger.Error("failed to issue token",
			slog.String("user_id", id.UserID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInternalError()
	}
	s.metrics.RecordTokenIssued(claims.NeedsRoleSelection)
	return &AuthResult{Token: raw, Claims: claims}, nil
}

// recordEvent はサインイン試行を記録する。
// 記録の失敗はログに残すだけでサインインの結果には影響させない。
func (s *Service) recordEvent(ctx context.Context, userID *string, provider model.Provider, outcome model.LoginOutcome, meta RequestMeta) {
	s.metrics.RecordSignIn(string(provider), string(outcome))

	if s.events == nil {
		return
	}

	ua := meta.UserAgent
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}

	// リクエストがキャンセルされても記録は残す。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventWriteTimeout)
	defer cancel()

	event := &model.LoginEvent{
		UserID:     userID,
		Provider:   provider,
		Outcome:    outcome,
		RemoteAddr: meta.RemoteAddr,
		UserAgent:  ua,
	}
	if err := s.events.Create(ctx, event); err != nil {
		s.logger.Warn("failed to record login event",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
	}
}

func outcomeOf(result *AuthResult) model.LoginOutcome {
	if result.NeedsRoleSelection() {
		return model.LoginOutcomeNeedsRole
	}
	return model.LoginOutcomeSuccess
}
