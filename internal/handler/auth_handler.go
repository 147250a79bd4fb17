// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rentauth/internal/auth"
	"github.com/hitoshi/rentauth/internal/guard"
	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Providers() []model.Provider
	HasProvider(provider model.Provider) bool
	GetLoginURL(provider model.Provider, state string) (string, error)
	LoginWithCredentials(ctx context.Context, email, password string, meta auth.RequestMeta) (*auth.AuthResult, error)
	Register(ctx context.Context, in auth.RegisterInput, meta auth.RequestMeta) (*auth.AuthResult, error)
	HandleCallback(ctx context.Context, provider model.Provider, code string, meta auth.RequestMeta) (*auth.AuthResult, error)
	SelectRole(ctx context.Context, in auth.SelectRoleInput, meta auth.RequestMeta) (*auth.AuthResult, error)
	Refresh(ctx context.Context, claims *token.Claims) (*auth.AuthResult, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie   token.CookieConfig
	TokenTTL time.Duration
	Paths    guard.Paths
}

// AuthHandler はサインイン・OAuth・ロール選択関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies *auth.CookieCodec
	config  AuthHandlerConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies *auth.CookieCodec, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service: service,
		cookies: cookies,
		config:  config,
		logger:  logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	Name        string  `json:"name"`
	PhoneNumber *string `json:"phoneNumber"`
	Role        string  `json:"role"`
}

type selectRoleRequest struct {
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"providerAccountId"`
	Email             string `json:"email"`
	Role              string `json:"role"`
}

type meResponse struct {
	User               identity.UserPayload `json:"user"`
	NeedsRoleSelection bool                 `json:"needsRoleSelection"`
}

// Login はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	result, err := h.service.LoginWithCredentials(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, result)
}

// Register は資格情報ユーザーを登録してサインインする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	result, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		Role:        req.Role,
	}, requestMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.writeAuthResult(w, http.StatusCreated, result)
}

// OAuthLogin はOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providerParam(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// stateをCookieに保存（CSRF対策）
	state, err := h.cookies.NewState(w, provider)
	if err != nil {
		h.logger.Error("failed to create oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GetLoginURL(provider, state)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// OAuthCallback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
//
// 失敗時はエラーコードを付けてサインインページへ戻す。
// ロール未設定のユーザーは仮登録Cookieを設定してロール選択ページへ、
// それ以外はダッシュボードへリダイレクトする。
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providerParam(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	validState := h.cookies.VerifyState(r, provider, q.Get("state"))
	h.cookies.ClearState(w)

	// 1. IdP側での拒否
	if idpErr := q.Get("error"); idpErr != "" {
		h.logger.Info("oauth authorization denied",
			slog.String("provider", string(provider)),
			slog.String("idp_error", idpErr),
		)
		h.redirectToSignIn(w, r, "oauth_denied")
		return
	}

	// 2. stateの検証
	if !validState {
		h.logger.Warn("oauth state mismatch", slog.String("provider", string(provider)))
		h.redirectToSignIn(w, r, "oauth_state")
		return
	}

	// 3. 認可コードの取得
	code := q.Get("code")
	if code == "" {
		h.redirectToSignIn(w, r, strings.ToLower(model.ErrCodeOAuthFailed))
		return
	}

	// 4. コード交換・アカウント紐付け・トークン発行
	result, err := h.service.HandleCallback(r.Context(), provider, code, requestMeta(r))
	if err != nil {
		h.redirectToSignIn(w, r, errorParam(err))
		return
	}

	token.SetCookie(w, h.config.Cookie, result.Token, h.config.TokenTTL)

	if result.Pending != nil {
		if err := h.cookies.SetPending(w, result.Pending); err != nil {
			h.logger.Error("failed to set pending registration cookie",
				slog.String("user_id", result.Claims.UserID()),
				slog.String("error", err.Error()),
			)
			token.ClearCookie(w, h.config.Cookie)
			h.redirectToSignIn(w, r, strings.ToLower(model.ErrCodeInternal))
			return
		}
		http.Redirect(w, r, h.config.Paths.RoleSelectionURL(result.Claims), http.StatusFound)
		return
	}

	h.cookies.ClearPending(w)
	http.Redirect(w, r, h.config.Paths.Dashboard, http.StatusFound)
}

// SelectRole はロール未設定のOAuthユーザーにロールを設定する。
// POST /auth/select-role
func (h *AuthHandler) SelectRole(w http.ResponseWriter, r *http.Request) {
	var req selectRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	claims, _ := token.FromContext(r.Context())
	result, err := h.service.SelectRole(r.Context(), auth.SelectRoleInput{
		Pending:           h.cookies.ReadPending(r),
		Claims:            claims,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		Email:             req.Email,
		Role:              req.Role,
	}, requestMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.cookies.ClearPending(w)
	h.writeAuthResult(w, http.StatusOK, result)
}

// Refresh は保存済みのユーザー情報からトークンを再発行する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.ClaimsFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	result, err := h.service.Refresh(r.Context(), claims)
	if err != nil {
		if model.HasCode(err, model.ErrCodeUserNotFound) {
			token.ClearCookie(w, h.config.Cookie)
		}
		middleware.WriteError(w, err)
		return
	}

	if !result.NeedsRoleSelection() {
		h.cookies.ClearPending(w)
	}
	h.writeAuthResult(w, http.StatusOK, result)
}

// Me は現在のサインインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		User:               identity.ToPayload(user),
		NeedsRoleSelection: user.NeedsRoleSelection(),
	})
}

// Logout はトークンと仮登録情報のCookieを削除する。
// トークンはステートレスのため、サーバー側で失効させるものはない。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token.ClearCookie(w, h.config.Cookie)
	h.cookies.ClearPending(w)
	w.WriteHeader(http.StatusNoContent)
}

// Providers は有効なサインイン方法の一覧を返す。
// GET /api/auth/providers
func (h *AuthHandler) Providers(w http.ResponseWriter, r *http.Request) {
	providers := []string{string(model.ProviderCredentials)}
	for _, p := range h.service.Providers() {
		providers = append(providers, string(p))
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": providers})
}

func (h *AuthHandler) providerParam(r *http.Request) (model.Provider, bool) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok || !provider.IsOAuth() || !h.service.HasProvider(provider) {
		return "", false
	}
	return provider, true
}

func (h *AuthHandler) redirectToSignIn(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.config.Paths.SignInURL(code), http.StatusFound)
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, statusCode int, result *auth.AuthResult) {
	token.SetCookie(w, h.config.Cookie, result.Token, h.config.TokenTTL)
	writeJSON(w, statusCode, authResponse{
		Token:              result.Token,
		User:               toSessionUser(result.Claims),
		NeedsRoleSelection: result.NeedsRoleSelection(),
	})
}

// requestMeta はサインイン記録用のリクエスト情報を取り出す。
func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		RemoteAddr: middleware.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

// errorParam はサインインページに渡すエラーコードを返す。
func errorParam(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Code)
	}
	return strings.ToLower(model.ErrCodeInternal)
}
