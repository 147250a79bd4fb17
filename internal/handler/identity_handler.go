package handler

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/model"
)

// IdentityHandler はローカルのアイデンティティストアをHTTPで公開する。
// 別のデプロイメントのRemoteStoreから呼び出される。
type IdentityHandler struct {
	store  identity.Store
	key    string
	logger *slog.Logger
}

// NewIdentityHandler はIdentityHandlerを生成する。
// keyは空であってはならない。
func NewIdentityHandler(store identity.Store, key string, logger *slog.Logger) *IdentityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityHandler{
		store:  store,
		key:    key,
		logger: logger,
	}
}

// Routes は/identity配下のルーティングを返す。
func (h *IdentityHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireKey)

	r.Post("/verify", h.Verify)
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.CreateCredentialUser)
		r.Post("/oauth", h.CreateOAuthUser)
		r.Get("/by-provider", h.FindByProvider)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.FindByID)
			r.Patch("/", h.UpdateProfile)
			r.Delete("/", h.DeleteUser)
			r.Put("/role", h.AssignRole)
		})
	})

	return r
}

// requireKey はX-Identity-Keyヘッダーを検証する。
func (h *IdentityHandler) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(identity.KeyHeader)
		if h.key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.key)) != 1 {
			h.logger.Warn("identity store request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", middleware.ClientIP(r)),
			)
			// 401はRemoteStore側で「該当なし」と解釈されるため403を返す。
			middleware.WriteError(w, model.NewForbiddenError("identity store key is invalid"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify はメールアドレスとパスワードを検証する。
// POST /identity/verify
func (h *IdentityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req identity.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	u, err := h.store.VerifyPassword(r.Context(), model.NormalizeEmail(req.Email), req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			middleware.WriteError(w, model.NewInvalidCredentialsError())
			return
		}
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// FindByProvider は(provider, providerAccountId)でユーザーを検索する。
// GET /identity/users/by-provider?provider=xxx&providerAccountId=yyy
func (h *IdentityHandler) FindByProvider(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider, ok := model.ParseProvider(q.Get("provider"))
	accountID := q.Get("providerAccountId")
	if !ok || accountID == "" {
		middleware.WriteError(w, model.NewValidationError("provider and providerAccountId are required"))
		return
	}

	u, err := h.store.FindByProvider(r.Context(), provider, accountID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// FindByID はIDでユーザーを検索する。
// GET /identity/users/{id}
func (h *IdentityHandler) FindByID(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// CreateCredentialUser は資格情報ユーザーを作成する。
// POST /identity/users
func (h *IdentityHandler) CreateCredentialUser(w http.ResponseWriter, r *http.Request) {
	var req identity.CreateCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	role, ok := model.ParseRole(req.Role)
	if !ok {
		middleware.WriteError(w, model.NewInvalidRoleError(req.Role))
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		middleware.WriteError(w, model.NewValidationError("email, password and name are required"))
		return
	}

	u, err := h.store.CreateCredentialUser(r.Context(), identity.NewCredentialUser{
		Email:       model.NormalizeEmail(req.Email),
		Password:    req.Password,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		Role:        role,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity.ToPayload(u))
}

// CreateOAuthUser はロール未設定のOAuthユーザーを作成する。
// POST /identity/users/oauth
func (h *IdentityHandler) CreateOAuthUser(w http.ResponseWriter, r *http.Request) {
	var req identity.CreateOAuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	provider, ok := model.ParseProvider(req.Provider)
	if !ok || !provider.IsOAuth() || req.ProviderAccountID == "" || req.Email == "" {
		middleware.WriteError(w, model.NewValidationError("provider, providerAccountId and email are required"))
		return
	}

	u, err := h.store.CreateOAuthUser(r.Context(), model.OAuthProfile{
		Provider:          provider,
		ProviderAccountID: req.ProviderAccountID,
		Email:             model.NormalizeEmail(req.Email),
		Name:              req.Name,
		ImageURL:          req.Image,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity.ToPayload(u))
}

// UpdateProfile はプロフィールを部分更新する。
// PATCH /identity/users/{id}
func (h *IdentityHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req identity.UpdateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	u, err := h.store.UpdateProfile(r.Context(), chi.URLParam(r, "id"), identity.ProfileUpdate{
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		ImageURL:    req.Image,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// AssignRole はロール未設定のユーザーにロールを設定する。
// PUT /identity/users/{id}/role
func (h *IdentityHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req identity.AssignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	role, ok := model.ParseRole(req.Role)
	if !ok {
		middleware.WriteError(w, model.NewInvalidRoleError(req.Role))
		return
	}

	u, err := h.store.AssignRole(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// DeleteUser はユーザーを削除する。
// DELETE /identity/users/{id}
func (h *IdentityHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError はストアのエラーをRemoteStoreが分類できるステータスで返す。
func (h *IdentityHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		middleware.WriteError(w, model.NewUserNotFoundError())
	case errors.Is(err, identity.ErrConflict):
		middleware.WriteError(w, model.NewDuplicateIdentityError())
	default:
		h.logger.Error("identity store operation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, model.NewIdentityStoreUnavailableError())
	}
}
