package handler

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rentauth/internal/auth"
	"github.com/hitoshi/rentauth/internal/guard"
	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/metrics"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/token"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenParser       middleware.TokenParser
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix // この範囲からの接続に限りX-Forwarded-Forを信頼する
	Cookie            token.CookieConfig
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Cookies     *auth.CookieCodec
	TokenTTL    time.Duration
	GuardPaths  guard.Paths

	// ユーザー
	UserService UserServiceInterface

	// アイデンティティストアAPI（IdentityKeyが空の場合は公開しない）
	IdentityStore identity.Store
	IdentityKey   string

	// ガード通過後のページ
	Pages http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// 全ルート共通のミドルウェアスタック:
//
//	TrustedProxy → Logging → Recovery → SecurityHeaders → CORS
//
// ページ（/auth/login等のGETと/*）はRoute Guardを経由する。
// /auth配下のAPIはキャッシュさせない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewTrustedProxyMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookie.Secure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies, AuthHandlerConfig{
		Cookie:   deps.Cookie,
		TokenTTL: deps.TokenTTL,
		Paths:    deps.GuardPaths,
	}, logger)
	userHandler := NewUserHandler(deps.UserService, deps.Cookie)

	csrfConfig := middleware.CSRFConfig{
		CookieSecure:   deps.Cookie.Secure,
		CookieDomain:   deps.Cookie.Domain,
		TrustedOrigins: []string{deps.CORSAllowedOrigin},
		Logger:         logger,
	}
	csrf := middleware.NewCSRFMiddleware(csrfConfig)
	tokenAuth := middleware.NewTokenAuthMiddleware(deps.TokenParser)

	guardMW := guard.NewMiddleware(guard.Config{
		Paths:   deps.GuardPaths,
		Parser:  deps.TokenParser,
		Cookie:  deps.Cookie,
		Metrics: deps.Metrics,
		Logger:  logger,
	})

	pages := deps.Pages
	if pages == nil {
		pages = http.HandlerFunc(pageStub)
	}

	// --- 運用 ---
	r.Get("/healthz", NewHealthHandler(deps.HealthChecker).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証不要のAPI ---
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)
	r.Get("/api/auth/providers", authHandler.Providers)

	// --- 認証フロー ---
	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.NewNoStoreMiddleware())

		// 資格情報（IPごとのレート制限）
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/register", authHandler.Register)

		// OAuthフロー
		r.Get("/{provider}/login", authHandler.OAuthLogin)
		r.Get("/{provider}/callback", authHandler.OAuthCallback)

		// ロール選択（トークンは任意、仮登録Cookieは必須）
		r.With(csrf, middleware.NewOptionalTokenMiddleware(deps.TokenParser)).Post("/select-role", authHandler.SelectRole)

		// セッション
		r.With(tokenAuth).Post("/refresh", authHandler.Refresh)
		r.With(tokenAuth).Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)

		// 認証ページ
		r.With(guardMW).Get("/login", pages.ServeHTTP)
		r.With(guardMW).Get("/register", pages.ServeHTTP)
		r.With(guardMW).Get("/select-role", pages.ServeHTTP)
		r.With(guardMW).Get("/*", pages.ServeHTTP)
	})

	// --- ロール選択済みユーザーのAPI ---
	// ミドルウェアスタック: TokenAuth → RequireResolvedRole → RateLimit(General) → CSRF
	r.Route("/api/users/me", func(r chi.Router) {
		r.Use(tokenAuth)
		r.Use(middleware.NewRequireResolvedRoleMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrf)

		r.Get("/", userHandler.GetProfile)
		r.Patch("/", userHandler.UpdateProfile)
		r.Delete("/", userHandler.Withdraw)
		r.Get("/login-events", userHandler.LoginEvents)
	})

	// --- アイデンティティストアAPI ---
	if deps.IdentityStore != nil && deps.IdentityKey != "" {
		r.Mount("/identity", NewIdentityHandler(deps.IdentityStore, deps.IdentityKey, logger).Routes())
	}

	// --- ページ ---
	r.With(guardMW).Handle("/*", pages)

	return r
}
