package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/hitoshi/rentauth/internal/metrics"
	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// --- モック定義 ---

type mockTokenParser struct {
	parseFn func(raw string) (*token.Claims, error)
}

func (m *mockTokenParser) Parse(raw string) (*token.Claims, error) {
	if m.parseFn != nil {
		return m.parseFn(raw)
	}
	return nil, token.ErrInvalidToken
}

// recordingMetrics はレート制限による拒否だけを記録する。
type recordingMetrics struct {
	metrics.Nop
	rateLimited []string
}

func (m *recordingMetrics) RecordRateLimited(route string) {
	m.rateLimited = append(m.rateLimited, route)
}

var _ TokenParser = (*mockTokenParser)(nil)

// --- ヘルパー ---

func testClaims(userID string, role *model.Role) *token.Claims {
	c := &token.Claims{
		Email:              userID + "@example.com",
		Role:               role,
		Provider:           model.ProviderCredentials,
		NeedsRoleSelection: role == nil,
	}
	c.Subject = userID
	return c
}

func tenantRole() *model.Role {
	r := model.RoleTenant
	return &r
}

// parserFor は"valid-<userID>"形式のトークンだけを受け付けるパーサーを返す。
// "pending-<userID>"はロール選択待ちのトークンとして扱う。
func parserFor() *mockTokenParser {
	return &mockTokenParser{
		parseFn: func(raw string) (*token.Claims, error) {
			if id, ok := strings.CutPrefix(raw, "valid-"); ok && id != "" {
				return testClaims(id, tenantRole()), nil
			}
			if id, ok := strings.CutPrefix(raw, "pending-"); ok && id != "" {
				return testClaims(id, nil), nil
			}
			return nil, token.ErrInvalidToken
		},
	}
}

// requestAs はユーザーのClaimsを格納したリクエストを生成する。
func requestAs(method, target, userID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(ContextWithClaims(context.Background(), testClaims(userID, tenantRole())))
}

func testRateLimiterConfig(generalBurst, loginBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		LoginRate:       1,
		LoginBurst:      loginBurst,
		CleanupInterval: 1 * time.Minute,
	}
}
