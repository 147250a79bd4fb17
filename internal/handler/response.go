package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 << 10

// sessionUserResponse はトークンのクレームから組み立てるユーザー表現。
type sessionUserResponse struct {
	ID                string  `json:"id"`
	Email             string  `json:"email"`
	Name              string  `json:"name"`
	Image             string  `json:"image,omitempty"`
	Role              *string `json:"role"`
	Provider          string  `json:"provider"`
	ProviderAccountID string  `json:"providerAccountId,omitempty"`
}

// authResponse はサインイン・登録・ロール選択・再発行のレスポンス。
type authResponse struct {
	Token              string              `json:"token"`
	User               sessionUserResponse `json:"user"`
	NeedsRoleSelection bool                `json:"needsRoleSelection"`
}

func toSessionUser(claims *token.Claims) sessionUserResponse {
	u := sessionUserResponse{
		ID:                claims.UserID(),
		Email:             claims.Email,
		Name:              claims.Name,
		Image:             claims.Image,
		Provider:          string(claims.Provider),
		ProviderAccountID: claims.ProviderAccountID,
	}
	if claims.Role != nil {
		r := string(*claims.Role)
		u.Role = &r
	}
	return u
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディを厳密にデコードする。
// 未知のフィールド、複数のJSON値、上限を超えるボディは受け付けない。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewValidationError("request body is too large")
		}
		if errors.Is(err, io.EOF) {
			return model.NewValidationError("request body is required")
		}
		return model.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return model.NewValidationError("request body must contain a single JSON object")
	}
	return nil
}
