package guard

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rentauth/internal/metrics"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/token"
)

// TokenParser はセッショントークンを検証する。
type TokenParser interface {
	Parse(raw string) (*token.Claims, error)
}

// Config はガードミドルウェアの設定。
type Config struct {
	Paths   Paths
	Parser  TokenParser
	Cookie  token.CookieConfig
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// NewMiddleware はページ遷移ごとにDecideを評価するミドルウェアを返す。
// 無効・期限切れのトークンは未認証として扱い、Cookieを削除する。
// 通過したリクエストのコンテキストには検証済みのClaimsを格納する。
func NewMiddleware(cfg Config) func(next http.Handler) http.Handler {
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := readClaims(w, r, cfg, logger)

			target := r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			decision := cfg.Paths.Decide(target, claims)
			if decision.Action == Redirect {
				collector.RecordGuardRedirect(string(decision.Reason))
				http.Redirect(w, r, decision.Location, http.StatusTemporaryRedirect)
				return
			}

			if claims != nil {
				middleware.AnnotateRequest(r, claims)
				r = r.WithContext(token.NewContext(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func readClaims(w http.ResponseWriter, r *http.Request, cfg Config, logger *slog.Logger) *token.Claims {
	raw := token.FromRequest(r)
	if raw == "" {
		return nil
	}

	claims, err := cfg.Parser.Parse(raw)
	if err != nil {
		if !errors.Is(err, token.ErrInvalidToken) {
			logger.Warn("failed to parse session token",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
		}
		if _, cookieErr := r.Cookie(token.CookieName); cookieErr == nil {
			token.ClearCookie(w, cfg.Cookie)
		}
		return nil
	}
	return claims
}
