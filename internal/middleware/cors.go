package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// corsAllowedHeaders はフロントエンドがクロスオリジンで送るリクエストヘッダー。
// アクセストークンのAuthorizationとCSRFトークンの送り返しに限る。
var corsAllowedHeaders = []string{"Content-Type", "Authorization", CSRFHeaderName}

// corsAllowedMethods はAPIが受け付けるメソッド。
var corsAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}

const corsMaxAge = 10 * 60

// NewCORSMiddleware はフロントエンドのオリジンにだけCORSを許可するミドルウェアを返す。
//
// Cookieを伴うためワイルドカードは使わず、Originが一致した場合のみ許可ヘッダーを付ける。
// プリフライト(OPTIONS)にはオリジンの一致に関わらず204で応答し、後続には渡さない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	methods := strings.Join(corsAllowedMethods, ", ")
	headers := strings.Join(corsAllowedHeaders, ", ")
	maxAge := strconv.Itoa(corsMaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			allowed := allowedOrigin != "" && origin == allowedOrigin
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", methods)
					h.Set("Access-Control-Allow-Headers", headers)
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
