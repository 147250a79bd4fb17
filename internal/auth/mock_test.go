package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/repository"
	"github.com/hitoshi/rentauth/internal/token"
)

// --- モック定義 ---

type mockStore struct {
	mu sync.Mutex

	verifyPasswordFn       func(ctx context.Context, email, password string) (*model.User, error)
	findByProviderFn       func(ctx context.Context, provider model.Provider, accountID string) (*model.User, error)
	findByIDFn             func(ctx context.Context, id string) (*model.User, error)
	createCredentialUserFn func(ctx context.Context, in identity.NewCredentialUser) (*model.User, error)
	createOAuthUserFn      func(ctx context.Context, profile model.OAuthProfile) (*model.User, error)
	updateProfileFn        func(ctx context.Context, id string, update identity.ProfileUpdate) (*model.User, error)
	assignRoleFn           func(ctx context.Context, id string, role model.Role) (*model.User, error)

	// mutations はストアを変更するメソッドの呼び出し回数。
	mutations int
}

func (m *mockStore) mutated() {
	m.mu.Lock()
	m.mutations++
	m.mu.Unlock()
}

func (m *mockStore) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *mockStore) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	if m.verifyPasswordFn != nil {
		return m.verifyPasswordFn(ctx, email, password)
	}
	return nil, identity.ErrNotFound
}

func (m *mockStore) FindByProvider(ctx context.Context, provider model.Provider, accountID string) (*model.User, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, accountID)
	}
	return nil, identity.ErrNotFound
}

func (m *mockStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, identity.ErrNotFound
}

func (m *mockStore) CreateCredentialUser(ctx context.Context, in identity.NewCredentialUser) (*model.User, error) {
	m.mutated()
	if m.createCredentialUserFn != nil {
		return m.createCredentialUserFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockStore) CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	m.mutated()
	if m.createOAuthUserFn != nil {
		return m.createOAuthUserFn(ctx, profile)
	}
	return nil, errors.New("not implemented")
}

func (m *mockStore) UpdateProfile(ctx context.Context, id string, update identity.ProfileUpdate) (*model.User, error) {
	m.mutated()
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, id, update)
	}
	return nil, errors.New("not implemented")
}

func (m *mockStore) AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	m.mutated()
	if m.assignRoleFn != nil {
		return m.assignRoleFn(ctx, id, role)
	}
	return nil, errors.New("not implemented")
}

func (m *mockStore) DeleteUser(ctx context.Context, id string) error {
	m.mutated()
	return nil
}

type mockEventRepo struct {
	mu     sync.Mutex
	events []*model.LoginEvent
	err    error
}

func (m *mockEventRepo) Create(ctx context.Context, event *model.LoginEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error) {
	return nil, nil
}

type mockOAuthProvider struct {
	name           model.Provider
	exchangeCodeFn func(ctx context.Context, code string) (*model.OAuthProfile, error)
}

func (m *mockOAuthProvider) Name() model.Provider {
	return m.name
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.OAuthProfile, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, errors.New("not implemented")
}

// --- compile-time interface checks ---
var (
	_ identity.Store                  = (*mockStore)(nil)
	_ repository.LoginEventRepository = (*mockEventRepo)(nil)
	_ OAuthProvider                   = (*mockOAuthProvider)(nil)
)

// --- ヘルパー ---

const testSecret = "test-token-secret-at-least-32-bytes!"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer(token.Config{Secret: []byte(testSecret), TTL: time.Hour, Issuer: "rentauth-test"})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	return issuer
}

func strPtr(s string) *string { return &s }

func rolePtr(r model.Role) *model.Role { return &r }

func oauthUser(id string, provider model.Provider, accountID string, role *model.Role) *model.User {
	return &model.User{
		ID:                id,
		Email:             accountID + "@example.com",
		Name:              "User " + accountID,
		Role:              role,
		Provider:          provider,
		ProviderAccountID: strPtr(accountID),
	}
}

// memStore は(provider, accountID)の一意性を再現するインメモリのストア。
// 並行するコールバックの競合を検証するために使う。
func memStore() *mockStore {
	var mu sync.Mutex
	users := map[string]*model.User{}
	key := func(p model.Provider, id string) string { return string(p) + ":" + id }

	m := &mockStore{}
	m.findByProviderFn = func(ctx context.Context, provider model.Provider, accountID string) (*model.User, error) {
		mu.Lock()
		defer mu.Unlock()
		if u, ok := users[key(provider, accountID)]; ok {
			c := *u
			return &c, nil
		}
		return nil, identity.ErrNotFound
	}
	m.findByIDFn = func(ctx context.Context, id string) (*model.User, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range users {
			if u.ID == id {
				c := *u
				return &c, nil
			}
		}
		return nil, identity.ErrNotFound
	}
	m.createOAuthUserFn = func(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
		mu.Lock()
		defer mu.Unlock()
		k := key(profile.Provider, profile.ProviderAccountID)
		if _, ok := users[k]; ok {
			return nil, identity.ErrConflict
		}
		u := &model.User{
			ID:                "user-" + profile.ProviderAccountID,
			Email:             profile.Email,
			Name:              profile.Name,
			Provider:          profile.Provider,
			ProviderAccountID: strPtr(profile.ProviderAccountID),
		}
		if profile.ImageURL != "" {
			u.ImageURL = strPtr(profile.ImageURL)
		}
		users[k] = u
		c := *u
		return &c, nil
	}
	m.assignRoleFn = func(ctx context.Context, id string, role model.Role) (*model.User, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range users {
			if u.ID == id {
				if u.Role != nil {
					return nil, identity.ErrConflict
				}
				u.Role = rolePtr(role)
				c := *u
				return &c, nil
			}
		}
		return nil, identity.ErrNotFound
	}
	m.updateProfileFn = func(ctx context.Context, id string, update identity.ProfileUpdate) (*model.User, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range users {
			if u.ID == id {
				if update.Name != nil {
					u.Name = *update.Name
				}
				if update.ImageURL != nil {
					u.ImageURL = update.ImageURL
				}
				c := *u
				return &c, nil
			}
		}
		return nil, identity.ErrNotFound
	}
	return m
}
