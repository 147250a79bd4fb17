package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/rentauth/internal/auth"
	"github.com/hitoshi/rentauth/internal/guard"
	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/repository"
	"github.com/hitoshi/rentauth/internal/security"
	"github.com/hitoshi/rentauth/internal/token"
	"github.com/hitoshi/rentauth/internal/user"
)

const (
	testTokenSecret = "handler-test-secret-at-least-32-bytes"
	testIdentityKey = "test-identity-key"
)

// --- インメモリのアイデンティティストア ---

// memoryStore はテスト用のidentity.Store実装。
// unavailableをtrueにすると全操作がErrUnavailableを返す。
type memoryStore struct {
	mu          sync.Mutex
	users       map[string]*model.User
	passwords   map[string]string
	nextID      int
	unavailable bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:     make(map[string]*model.User),
		passwords: make(map[string]string),
	}
}

func (s *memoryStore) setUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

func (s *memoryStore) get(id string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return cloneUser(u)
	}
	return nil
}

func (s *memoryStore) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	for id, u := range s.users {
		if u.Email == model.NormalizeEmail(email) && u.Provider == model.ProviderCredentials && s.passwords[id] == password {
			return cloneUser(u), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *memoryStore) FindByProvider(ctx context.Context, provider model.Provider, accountID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	for _, u := range s.users {
		if u.Provider == provider && u.ProviderAccountID != nil && *u.ProviderAccountID == accountID {
			return cloneUser(u), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *memoryStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	if u, ok := s.users[id]; ok {
		return cloneUser(u), nil
	}
	return nil, identity.ErrNotFound
}

func (s *memoryStore) CreateCredentialUser(ctx context.Context, in identity.NewCredentialUser) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	if s.emailTaken(in.Email) {
		return nil, identity.ErrConflict
	}
	role := in.Role
	u := s.insert(&model.User{
		Email:       in.Email,
		Name:        in.Name,
		PhoneNumber: in.PhoneNumber,
		Role:        &role,
		Provider:    model.ProviderCredentials,
	})
	s.passwords[u.ID] = in.Password
	return cloneUser(u), nil
}

func (s *memoryStore) CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	if s.emailTaken(profile.Email) {
		return nil, identity.ErrConflict
	}
	for _, u := range s.users {
		if u.Provider == profile.Provider && u.ProviderAccountID != nil && *u.ProviderAccountID == profile.ProviderAccountID {
			return nil, identity.ErrConflict
		}
	}
	accountID := profile.ProviderAccountID
	u := &model.User{
		Email:             profile.Email,
		Name:              profile.Name,
		Provider:          profile.Provider,
		ProviderAccountID: &accountID,
	}
	if profile.ImageURL != "" {
		image := profile.ImageURL
		u.ImageURL = &image
	}
	return cloneUser(s.insert(u)), nil
}

func (s *memoryStore) UpdateProfile(ctx context.Context, id string, update identity.ProfileUpdate) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if update.Name != nil {
		u.Name = *update.Name
	}
	if update.PhoneNumber != nil {
		u.PhoneNumber = emptyToNil(*update.PhoneNumber)
	}
	if update.ImageURL != nil {
		u.ImageURL = emptyToNil(*update.ImageURL)
	}
	return cloneUser(u), nil
}

func (s *memoryStore) AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, identity.ErrUnavailable
	}
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if u.Role != nil {
		return nil, identity.ErrConflict
	}
	u.Role = &role
	return cloneUser(u), nil
}

func (s *memoryStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return identity.ErrUnavailable
	}
	if _, ok := s.users[id]; !ok {
		return identity.ErrNotFound
	}
	delete(s.users, id)
	delete(s.passwords, id)
	return nil
}

func (s *memoryStore) emailTaken(email string) bool {
	for _, u := range s.users {
		if u.Email == email {
			return true
		}
	}
	return false
}

func (s *memoryStore) insert(u *model.User) *model.User {
	s.nextID++
	u.ID = fmt.Sprintf("00000000-0000-0000-0000-%012d", s.nextID)
	u.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = u
	return u
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.Role != nil {
		r := *u.Role
		c.Role = &r
	}
	return &c
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ identity.Store = (*memoryStore)(nil)

// --- サインイン記録 ---

// memoryEvents はテスト用のサインイン記録リポジトリ。
type memoryEvents struct {
	mu     sync.Mutex
	events []*model.LoginEvent
}

func (m *memoryEvents) Create(ctx context.Context, event *model.LoginEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *event
	ev.ID = fmt.Sprintf("event-%d", len(m.events)+1)
	ev.CreatedAt = time.Date(2026, 1, 1, 0, len(m.events), 0, 0, time.UTC)
	m.events = append(m.events, &ev)
	return nil
}

func (m *memoryEvents) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LoginEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if ev := m.events[i]; ev.UserID != nil && *ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// remoteAddrs は記録されたサインインの接続元を古い順に返す。
func (m *memoryEvents) remoteAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		addrs = append(addrs, ev.RemoteAddr)
	}
	return addrs
}

var _ repository.LoginEventRepository = (*memoryEvents)(nil)

// --- OAuthプロバイダー ---

// fakeProvider は"code-<accountID>"形式の認可コードを受け付けるOAuthプロバイダー。
type fakeProvider struct {
	name model.Provider
}

func (p *fakeProvider) Name() model.Provider { return p.name }

func (p *fakeProvider) GetLoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code string) (*model.OAuthProfile, error) {
	accountID, ok := strings.CutPrefix(code, "code-")
	if !ok || accountID == "" {
		return nil, errors.New("invalid authorization code")
	}
	return &model.OAuthProfile{
		Provider:          p.name,
		ProviderAccountID: accountID,
		Email:             accountID + "@example.com",
		Name:              "<b>OAuth</b> " + accountID,
		ImageURL:          "https://avatars.example.com/" + accountID,
	}, nil
}

// --- テスト環境 ---

// testEnv は実サービスとインメモリストアで構成したルーター。
type testEnv struct {
	router http.Handler
	store  *memoryStore
	events *memoryEvents
	issuer *token.Issuer
	codec  *auth.CookieCodec
}

// testEnvConfig はテスト環境の可変設定。ゼロ値は緩いレート制限で信頼プロキシなし。
type testEnvConfig struct {
	LoginBurst     int
	TrustedProxies []netip.Prefix
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer(token.Config{
		Secret: []byte(testTokenSecret),
		TTL:    time.Hour,
		Issuer: "rentauth-test",
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	return issuer
}

func newTestCodec(t *testing.T) *auth.CookieCodec {
	t.Helper()
	codec, err := auth.NewCookieCodec([]byte("handler-test-hash-key"), nil, token.CookieConfig{}, 30*time.Minute)
	if err != nil {
		t.Fatalf("failed to create cookie codec: %v", err)
	}
	return codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testEnvConfig{})
}

func newTestEnvWithConfig(t *testing.T, cfg testEnvConfig) *testEnv {
	t.Helper()

	loginRate, loginBurst := 100.0, 100
	if cfg.LoginBurst > 0 {
		// 補充されない程度の低いレート
		loginRate, loginBurst = 0.0001, cfg.LoginBurst
	}

	store := newMemoryStore()
	events := &memoryEvents{}
	issuer := newTestIssuer(t)
	codec := newTestCodec(t)
	logger := discardLogger()

	authService := auth.NewService(auth.ServiceDeps{
		Store:     store,
		Issuer:    issuer,
		Providers: []auth.OAuthProvider{&fakeProvider{name: model.ProviderGoogle}},
		Events:    events,
		Sanitizer: security.NewNameSanitizer(),
		Images:    security.NewSSRFGuard(),
		Logger:    logger,
	}, auth.ServiceConfig{PendingTTL: 30 * time.Minute, OAuthTimeout: 5 * time.Second})

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		LoginRate:       rate.Limit(loginRate),
		LoginBurst:      loginBurst,
		CleanupInterval: time.Minute,
	}, nil, logger)
	t.Cleanup(limiter.Stop)

	router := NewRouter(&RouterDeps{
		TokenParser:       issuer,
		RateLimiter:       limiter,
		CORSAllowedOrigin: "http://localhost:3000",
		TrustedProxies:    cfg.TrustedProxies,
		Logger:            logger,
		AuthService:       authService,
		Cookies:           codec,
		TokenTTL:          issuer.TTL(),
		GuardPaths:        guard.DefaultPaths(),
		UserService:       user.NewService(store, events, security.NewNameSanitizer(), security.NewSSRFGuard(), logger),
		IdentityStore:     store,
		IdentityKey:       testIdentityKey,
	})

	return &testEnv{router: router, store: store, events: events, issuer: issuer, codec: codec}
}

// do はリクエストを送り、レスポンスを返す。
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedCredentialUser は資格情報ユーザーを登録してそのトークンを返す。
func (e *testEnv) seedCredentialUser(t *testing.T, email string, role model.Role) (*model.User, string) {
	t.Helper()
	u, err := e.store.CreateCredentialUser(context.Background(), identity.NewCredentialUser{
		Email:    email,
		Password: "correct-horse",
		Name:     "Seeded User",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	raw, _, err := e.issuer.Issue(u.Identity())
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return u, raw
}

// jsonRequest はJSONボディ付きのリクエストを生成する。
func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withCSRF はCSRFのCookieとヘッダーを設定する。
func withCSRF(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-test-token"})
	req.Header.Set("X-CSRF-Token", "csrf-test-token")
	return req
}

// withBearer はAuthorizationヘッダーを設定する。
func withBearer(req *http.Request, raw string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+raw)
	return req
}

// findCookie はレスポンスから指定名のSet-Cookieを探す。
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeAuthResponse はサインイン系レスポンスをデコードする。
func decodeAuthResponse(t *testing.T, w *httptest.ResponseRecorder) authResponse {
	t.Helper()
	var resp authResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}
	return resp
}

// jsonDecode はレスポンスボディを任意の型にデコードする。
func jsonDecode(w *httptest.ResponseRecorder, v interface{}) error {
	return json.NewDecoder(w.Body).Decode(v)
}
