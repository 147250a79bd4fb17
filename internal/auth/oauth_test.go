package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/rentauth/internal/model"
)

// newIdPServer はトークンエンドポイントとAPIを模したサーバーを起動する。
// トークンエンドポイントは"good-code"のみを受け付ける。
func newIdPServer(t *testing.T, api map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-access-token","token_type":"bearer"}`))
	})
	for path, body := range api {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-access-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testProviderConfig(srv *httptest.Server, apiURL string) ProviderConfig {
	return ProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
		HTTPClient:   srv.Client(),
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		APIURL:       apiURL,
	}
}

func TestGoogleOAuthProvider_GetLoginURL(t *testing.T) {
	p := NewGoogleOAuthProvider(ProviderConfig{ClientID: "cid", RedirectURL: "http://localhost:8080/auth/google/callback"})

	u, err := url.Parse(p.GetLoginURL("state-123"))
	if err != nil {
		t.Fatalf("invalid login url: %v", err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}
	q := u.Query()
	if q.Get("state") != "state-123" || q.Get("client_id") != "cid" {
		t.Errorf("query = %v", q)
	}
	if !strings.Contains(q.Get("scope"), "email") {
		t.Errorf("scope = %q, want email", q.Get("scope"))
	}
}

func TestGoogleOAuthProvider_ExchangeCode(t *testing.T) {
	srv := newIdPServer(t, map[string]interface{}{
		"/userinfo": map[string]interface{}{
			"sub":            "1234567890",
			"email":          "g@example.com",
			"email_verified": true,
			"name":           "Google User",
			"picture":        "https://lh3.googleusercontent.com/a/p.jpg",
		},
	})
	p := NewGoogleOAuthProvider(testProviderConfig(srv, srv.URL+"/userinfo"))

	profile, err := p.ExchangeCode(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := model.OAuthProfile{
		Provider:          model.ProviderGoogle,
		ProviderAccountID: "1234567890",
		Email:             "g@example.com",
		Name:              "Google User",
		ImageURL:          "https://lh3.googleusercontent.com/a/p.jpg",
	}
	if *profile != want {
		t.Errorf("profile = %+v, want %+v", *profile, want)
	}
}

func TestGoogleOAuthProvider_UnverifiedEmail(t *testing.T) {
	srv := newIdPServer(t, map[string]interface{}{
		"/userinfo": map[string]interface{}{
			"sub":            "1",
			"email":          "g@example.com",
			"email_verified": false,
		},
	})
	p := NewGoogleOAuthProvider(testProviderConfig(srv, srv.URL+"/userinfo"))

	if _, err := p.ExchangeCode(context.Background(), "good-code"); err == nil {
		t.Fatal("expected error for unverified email")
	}
}

func TestGoogleOAuthProvider_InvalidCode(t *testing.T) {
	srv := newIdPServer(t, nil)
	p := NewGoogleOAuthProvider(testProviderConfig(srv, srv.URL+"/userinfo"))

	if _, err := p.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Fatal("expected error for rejected code")
	}
	if _, err := p.ExchangeCode(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestGitHubOAuthProvider_ExchangeCode(t *testing.T) {
	srv := newIdPServer(t, map[string]interface{}{
		"/user": map[string]interface{}{
			"id":         42,
			"login":      "octocat",
			"name":       "",
			"avatar_url": "https://avatars.githubusercontent.com/u/42",
		},
		"/user/emails": []map[string]interface{}{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "octo@example.com", "primary": true, "verified": true},
		},
	})
	p := NewGitHubOAuthProvider(testProviderConfig(srv, srv.URL))

	profile, err := p.ExchangeCode(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.ProviderAccountID != "42" {
		t.Errorf("ProviderAccountID = %q, want 42", profile.ProviderAccountID)
	}
	if profile.Email != "octo@example.com" {
		t.Errorf("Email = %q, want primary email", profile.Email)
	}
	if profile.Name != "octocat" {
		t.Errorf("Name = %q, want login fallback", profile.Name)
	}
	if profile.Provider != model.ProviderGitHub {
		t.Errorf("Provider = %q", profile.Provider)
	}
}

func TestGitHubOAuthProvider_NoVerifiedPrimaryEmail(t *testing.T) {
	srv := newIdPServer(t, map[string]interface{}{
		"/user": map[string]interface{}{"id": 7, "login": "ghost"},
		"/user/emails": []map[string]interface{}{
			{"email": "ghost@example.com", "primary": true, "verified": false},
		},
	})
	p := NewGitHubOAuthProvider(testProviderConfig(srv, srv.URL))

	if _, err := p.ExchangeCode(context.Background(), "good-code"); err == nil {
		t.Fatal("expected error when no verified primary email exists")
	}
}

func TestGitHubOAuthProvider_UserAPIError(t *testing.T) {
	srv := newIdPServer(t, nil)
	p := NewGitHubOAuthProvider(testProviderConfig(srv, srv.URL))

	if _, err := p.ExchangeCode(context.Background(), "good-code"); err == nil {
		t.Fatal("expected error when the user API fails")
	}
}
