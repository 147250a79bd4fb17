package token

import (
	"net/http"
	"strings"
	"time"
)

// CookieName はセッショントークンを保持するCookie名。
const CookieName = "auth_token"

// CookieConfig はトークンCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
}

// FromRequest はAuthorizationヘッダー（Bearer）またはCookieからトークンを取り出す。
// ヘッダーが優先される。どちらにもない場合は空文字列を返す。
func FromRequest(r *http.Request) string {
	if raw := BearerToken(r.Header.Get("Authorization")); raw != "" {
		return raw
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// BearerToken は"Bearer <token>"形式のヘッダー値からトークンを取り出す。
// スキームは大文字小文字を区別しない。
func BearerToken(header string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// SetCookie はトークンをHttpOnly Cookieとして設定する。
func SetCookie(w http.ResponseWriter, cfg CookieConfig, raw string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    raw,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie はトークンCookieを削除する。
func ClearCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
