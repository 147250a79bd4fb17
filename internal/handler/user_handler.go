package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
	"github.com/hitoshi/rentauth/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, in user.ProfileInput) (*model.User, error)
	// Withdraw はユーザーを削除する。サインイン記録はユーザーとの紐付けを外して残す。
	Withdraw(ctx context.Context, userID string) error
	RecentSignIns(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookie  token.CookieConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookie token.CookieConfig) *UserHandler {
	return &UserHandler{
		service: service,
		cookie:  cookie,
	}
}

type updateProfileRequest struct {
	Name        *string `json:"name"`
	PhoneNumber *string `json:"phoneNumber"`
	Image       *string `json:"image"`
}

type loginEventResponse struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Outcome    string    `json:"outcome"`
	RemoteAddr string    `json:"remoteAddr"`
	UserAgent  string    `json:"userAgent"`
	CreatedAt  time.Time `json:"createdAt"`
}

type loginEventsResponse struct {
	Events []loginEventResponse `json:"events"`
}

// GetProfile はサインインユーザーのプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	u, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// UpdateProfile はプロフィールを部分更新する。
// PATCH /api/users/me
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), userID, user.ProfileInput{
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		Image:       req.Image,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, identity.ToPayload(u))
}

// Withdraw はユーザーの退会処理を実行し、トークンCookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		middleware.WriteError(w, err)
		return
	}

	token.ClearCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// LoginEvents はサインインユーザーの直近のサインイン記録を返す。
// GET /api/users/me/login-events?limit=N
func (h *UserHandler) LoginEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			middleware.WriteError(w, model.NewValidationError("limit must be a positive integer"))
			return
		}
	}

	events, err := h.service.RecentSignIns(r.Context(), userID, limit)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := loginEventsResponse{Events: make([]loginEventResponse, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, loginEventResponse{
			ID:         ev.ID,
			Provider:   string(ev.Provider),
			Outcome:    string(ev.Outcome),
			RemoteAddr: ev.RemoteAddr,
			UserAgent:  ev.UserAgent,
			CreatedAt:  ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
