package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/rentauth/internal/model"
)

const (
	// CSRFCookieName はCSRFトークンのCookie名。フロントエンドが読み取るためHttpOnlyにしない。
	CSRFCookieName = "csrf_token"
	// CSRFHeaderName はCSRFトークンを送り返すヘッダー名。
	CSRFHeaderName = "X-CSRF-Token"

	csrfCookieMaxAge = 24 * 60 * 60
	csrfTokenBytes   = 32
)

var (
	errCSRFMissingCookie = errors.New("missing cookie token")
	errCSRFMissingHeader = errors.New("missing header token")
	errCSRFMismatch      = errors.New("token mismatch")
	errCSRFOrigin        = errors.New("untrusted origin")
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	// TrustedOrigins はOriginヘッダーとして受け付けるオリジン。リクエストと同一ホストのOriginは常に受け付ける。
	TrustedOrigins []string
	Logger         *slog.Logger
}

// csrfGuard はダブルサブミットCookie方式のトークン発行と検証を行う。
type csrfGuard struct {
	config CSRFConfig
	logger *slog.Logger
}

func newCSRFGuard(config CSRFConfig) *csrfGuard {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &csrfGuard{config: config, logger: logger}
}

// NewCSRFMiddleware はCSRF検証ミドルウェアを返す。
//
// 読み取りメソッドはトークンCookieを配布して通す。
// ロール選択やプロフィール更新などの状態変更は、Cookieとヘッダーのトークン一致と
// Originの検証を両方満たした場合のみ通す。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	g := newCSRFGuard(config)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if _, err := r.Cookie(CSRFCookieName); err != nil {
					if _, err := g.issue(w); err != nil {
						g.logger.Error("failed to issue CSRF token", slog.String("error", err.Error()))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if err := g.verify(r); err != nil {
				g.logger.Warn("CSRF validation failed",
					slog.String("reason", err.Error()),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("CSRFトークンの検証に失敗しました。"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークンを返すハンドラー。
// GET /api/csrf-token
// Cookieに既存のトークンがあればそれを返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	g := newCSRFGuard(config)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := ""
		if c, err := r.Cookie(CSRFCookieName); err == nil {
			tok = c.Value
		}
		if tok == "" {
			var err error
			if tok, err = g.issue(w); err != nil {
				g.logger.Error("failed to issue CSRF token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": tok})
	})
}

// issue は新しいトークンを生成してCookieに設定する。
func (g *csrfGuard) issue(w http.ResponseWriter) (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    tok,
		Path:     "/",
		Domain:   g.config.CookieDomain,
		MaxAge:   csrfCookieMaxAge,
		Secure:   g.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return tok, nil
}

// verify は状態変更リクエストのOriginとトークンを検証する。
func (g *csrfGuard) verify(r *http.Request) error {
	if origin := r.Header.Get("Origin"); origin != "" && !g.trustedOrigin(r, origin) {
		return errCSRFOrigin
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return errCSRFMissingCookie
	}
	header := r.Header.Get(CSRFHeaderName)
	if header == "" {
		return errCSRFMissingHeader
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

func (g *csrfGuard) trustedOrigin(r *http.Request, origin string) bool {
	for _, o := range g.config.TrustedOrigins {
		if o != "" && o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == r.Host
}

// isSafeMethod は状態を変更しないHTTPメソッドかを返す。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
