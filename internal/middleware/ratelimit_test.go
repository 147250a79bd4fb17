package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (認証済みAPI) のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10), nil, nil)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/users/me", "user-1"))

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	collector := &recordingMetrics{}
	rl := NewRateLimiter(testRateLimiterConfig(1, 10), collector, nil)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/users/me", "user-retry-after"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusOK)
	}

	// 2回目は429になる
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestAs(http.MethodGet, "/api/users/me", "user-retry-after"))

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	// Retry-Afterは数値（秒）であること
	retrySeconds, err := strconv.Atoi(w2.Header().Get("Retry-After"))
	if err != nil {
		t.Errorf("Retry-After header should be a number, got %q", w2.Header().Get("Retry-After"))
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}

	if len(collector.rateLimited) != 1 || collector.rateLimited[0] != "general" {
		t.Errorf("rateLimited = %v, want [general]", collector.rateLimited)
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10), nil, nil)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestAs(http.MethodGet, "/api/users/me", "user-A"))
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, requestAs(http.MethodGet, "/api/users/me", "user-A"))
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestAs(http.MethodGet, "/api/users/me", "user-B"))

	if wA.Code != http.StatusOK {
		t.Errorf("user-A first request: status = %d, want %d", wA.Code, http.StatusOK)
	}
	if wA2.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want %d", wA2.Code, http.StatusTooManyRequests)
	}
	// ユーザーBはユーザーAのレートに影響されない
	if wB.Code != http.StatusOK {
		t.Errorf("user-B first request: status = %d, want %d", wB.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_NoClaims_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10), nil, nil)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- LoginMiddleware (サインイン・登録) のテスト ---

func loginRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestLoginRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	collector := &recordingMetrics{}
	rl := NewRateLimiter(testRateLimiterConfig(120, 3), collector, nil)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, loginRequest("192.0.2.10:51000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 送信元ポートが変わっても同じIPとして扱う
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, loginRequest("192.0.2.10:51001"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	if len(collector.rateLimited) != 1 || collector.rateLimited[0] != "login" {
		t.Errorf("rateLimited = %v, want [login]", collector.rateLimited)
	}
}

func TestLoginRateLimit_IsolatesClientIPs(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(120, 1), nil, nil)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, loginRequest("192.0.2.1:1234"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, loginRequest("192.0.2.2:1234"))

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Errorf("statuses = %d, %d, want both 200", w1.Code, w2.Code)
	}
	if rl.LoginLimiterCount() != 2 {
		t.Errorf("LoginLimiterCount = %d, want 2", rl.LoginLimiterCount())
	}
}

func TestLoginRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1), nil, nil)
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	login := rl.LoginMiddleware()(okHandler())

	w := httptest.NewRecorder()
	general.ServeHTTP(w, requestAs(http.MethodGet, "/api/users/me", "user-1"))

	w2 := httptest.NewRecorder()
	login.ServeHTTP(w2, loginRequest("192.0.2.1:1234"))

	if w.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Errorf("statuses = %d, %d, want both 200", w.Code, w2.Code)
	}
}

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(120, 1), nil, nil)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), loginRequest("192.0.2.1:1234"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, loginRequest("192.0.2.1:1234"))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want %q", body.Code, "RATE_LIMIT_EXCEEDED")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(10, 10)
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg, nil, nil)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/users/me", "user-cleanup"))
	rl.LoginMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), loginRequest("192.0.2.1:1234"))

	if rl.GeneralLimiterCount() != 1 || rl.LoginLimiterCount() != 1 {
		t.Fatalf("counts = %d, %d, want 1, 1", rl.GeneralLimiterCount(), rl.LoginLimiterCount())
	}

	// TTL（CleanupIntervalの2倍）を超えるまで待つ
	time.Sleep(200 * time.Millisecond)

	if rl.GeneralLimiterCount() != 0 || rl.LoginLimiterCount() != 0 {
		t.Errorf("counts after cleanup = %d, %d, want 0, 0", rl.GeneralLimiterCount(), rl.LoginLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1), nil, nil)
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig(10)

	if cfg.GeneralRate != rate.Limit(2) {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.LoginBurst != 10 {
		t.Errorf("LoginBurst = %d, want 10", cfg.LoginBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}

	if DefaultRateLimiterConfig(0).LoginBurst != 10 {
		t.Error("non-positive login limit should fall back to 10")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	req.RemoteAddr = "[2001:db8::1]:443"
	if got := ClientIP(req); got != "2001:db8::1" {
		t.Errorf("ClientIP = %q, want %q", got, "2001:db8::1")
	}

	req.RemoteAddr = "192.0.2.5"
	if got := ClientIP(req); got != "192.0.2.5" {
		t.Errorf("ClientIP = %q, want %q", got, "192.0.2.5")
	}
}

func TestLoginRateLimit_LogsRejectionToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rl := NewRateLimiter(testRateLimiterConfig(120, 1), nil, logger)
	defer rl.Stop()

	handler := rl.LoginMiddleware()(okHandler())
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), loginRequest("198.51.100.7:40000"))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one JSON log entry, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "rate limit exceeded" {
		t.Errorf("msg = %v, want %q", entry["msg"], "rate limit exceeded")
	}
	if entry["remote_addr"] != "198.51.100.7" || entry["limit_type"] != "login" {
		t.Errorf("entry = %v", entry)
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected exactly one log line, got %q", buf.String())
	}
}
