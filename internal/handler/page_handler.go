package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// NewPageHandler はガード通過後のページリクエストを処理するハンドラーを返す。
// frontendURLが指定されていればフロントエンドへリバースプロキシし、
// 未指定の場合はパスとサインイン状態をJSONで返す。
func NewPageHandler(frontendURL string, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if frontendURL == "" {
		return http.HandlerFunc(pageStub), nil
	}

	target, err := url.Parse(frontendURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid frontend URL: %q", frontendURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("frontend proxy failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}

type pageResponse struct {
	Path string               `json:"path"`
	User *sessionUserResponse `json:"user"`
}

// pageStub はフロントエンド未設定時のページ応答。
func pageStub(w http.ResponseWriter, r *http.Request) {
	resp := pageResponse{Path: r.URL.Path}
	if claims, ok := token.FromContext(r.Context()); ok {
		u := toSessionUser(claims)
		resp.User = &u
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthChecker はDB接続の疎通確認に必要なインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// NewHealthHandler はヘルスチェックエンドポイントのハンドラーを返す。
// GET /healthz
func NewHealthHandler(checker HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewIdentityStoreUnavailableError())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
