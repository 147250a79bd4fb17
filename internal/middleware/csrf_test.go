package middleware

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/rentauth/internal/model"
)

const frontendOrigin = "https://app.rent.example"

func testCSRFConfig() CSRFConfig {
	return CSRFConfig{
		CookieSecure:   true,
		CookieDomain:   "rent.example",
		TrustedOrigins: []string{frontendOrigin},
	}
}

// stateChangingRequest はロール選択やプロフィール更新を模したリクエストを生成する。
// cookieTokenとheaderTokenが空の場合はそれぞれ付与しない。
func stateChangingRequest(method, target, cookieToken, headerToken, origin string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if cookieToken != "" {
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: cookieToken})
	}
	if headerToken != "" {
		req.Header.Set(CSRFHeaderName, headerToken)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCSRFMiddleware_StateChangingRoutes(t *testing.T) {
	routes := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/auth/select-role"},
		{http.MethodPatch, "/api/users/me"},
		{http.MethodDelete, "/api/users/me"},
	}

	cases := []struct {
		name        string
		cookieToken string
		headerToken string
		origin      string
		wantStatus  int
	}{
		{"matching tokens", "tok-1", "tok-1", "", http.StatusOK},
		{"matching tokens from frontend origin", "tok-1", "tok-1", frontendOrigin, http.StatusOK},
		{"matching tokens from same host", "tok-1", "tok-1", "http://example.com", http.StatusOK},
		{"no cookie", "", "tok-1", "", http.StatusForbidden},
		{"no header", "tok-1", "", "", http.StatusForbidden},
		{"mismatched tokens", "tok-1", "tok-2", "", http.StatusForbidden},
		{"foreign origin with matching tokens", "tok-1", "tok-1", "https://evil.example", http.StatusForbidden},
		{"opaque origin", "tok-1", "tok-1", "null", http.StatusForbidden},
	}

	mw := NewCSRFMiddleware(testCSRFConfig())

	for _, rt := range routes {
		for _, tc := range cases {
			t.Run(rt.method+" "+rt.target+"/"+tc.name, func(t *testing.T) {
				called := false
				handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					called = true
					w.WriteHeader(http.StatusOK)
				}))

				w := httptest.NewRecorder()
				handler.ServeHTTP(w, stateChangingRequest(rt.method, rt.target, tc.cookieToken, tc.headerToken, tc.origin))

				if w.Code != tc.wantStatus {
					t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
				}
				if called != (tc.wantStatus == http.StatusOK) {
					t.Errorf("handler called = %v", called)
				}
				if tc.wantStatus != http.StatusForbidden {
					return
				}
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if body.Code != model.ErrCodeForbidden {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeForbidden)
				}
			})
		}
	}
}

func TestCSRFMiddleware_LogsRejectionReason(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		wantReason string
	}{
		{"select-role without cookie", stateChangingRequest(http.MethodPost, "/auth/select-role", "", "tok", ""), "missing cookie token"},
		{"profile update without header", stateChangingRequest(http.MethodPatch, "/api/users/me", "tok", "", ""), "missing header token"},
		{"profile update with stale header", stateChangingRequest(http.MethodPatch, "/api/users/me", "tok", "old", ""), "token mismatch"},
		{"select-role from foreign site", stateChangingRequest(http.MethodPost, "/auth/select-role", "tok", "tok", "https://evil.example"), "untrusted origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := testCSRFConfig()
			cfg.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

			handler := NewCSRFMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))
			handler.ServeHTTP(httptest.NewRecorder(), tt.req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log: %v\nraw: %s", err, buf.String())
			}
			if entry["msg"] != "CSRF validation failed" {
				t.Errorf("msg = %v", entry["msg"])
			}
			if entry["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %q", entry["reason"], tt.wantReason)
			}
			if entry["path"] != tt.req.URL.Path {
				t.Errorf("path = %v, want %q", entry["path"], tt.req.URL.Path)
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethodsIssueCookie(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(testCSRFConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/api/users/me", nil))

			if !called {
				t.Fatal("handler should be called without a token")
			}

			var cookie *http.Cookie
			for _, c := range w.Result().Cookies() {
				if c.Name == CSRFCookieName {
					cookie = c
				}
			}
			if cookie == nil {
				t.Fatal("expected csrf cookie")
			}
			if cookie.HttpOnly {
				t.Error("csrf cookie must be readable by the frontend")
			}
			if !cookie.Secure {
				t.Error("expected Secure cookie")
			}
			if cookie.SameSite != http.SameSiteLaxMode {
				t.Errorf("SameSite = %v, want Lax", cookie.SameSite)
			}
			if cookie.Domain != "rent.example" {
				t.Errorf("Domain = %q, want rent.example", cookie.Domain)
			}
			if cookie.MaxAge != csrfCookieMaxAge {
				t.Errorf("MaxAge = %d, want %d", cookie.MaxAge, csrfCookieMaxAge)
			}
			raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
			if err != nil || len(raw) != csrfTokenBytes {
				t.Errorf("token %q is not %d url-safe bytes", cookie.Value, csrfTokenBytes)
			}
		})
	}
}

func TestCSRFMiddleware_ExistingCookieIsKept(t *testing.T) {
	handler := NewCSRFMiddleware(testCSRFConfig())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/auth/select-role", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Set-Cookie"); got != "" {
		t.Errorf("Set-Cookie = %q, want none", got)
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	t.Run("issues a token matching the cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(testCSRFConfig()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Value != body.Token || body.Token == "" {
			t.Errorf("token %q does not match cookies %v", body.Token, cookies)
		}
	})

	t.Run("returns the existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: "existing"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(testCSRFConfig()).ServeHTTP(w, req)

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["token"] != "existing" {
			t.Errorf("token = %q, want existing", body["token"])
		}
		if len(w.Result().Cookies()) != 0 {
			t.Error("existing token should not be reissued")
		}
	})
}
