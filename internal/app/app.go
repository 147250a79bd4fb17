package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/rentauth/internal/auth"
	"github.com/hitoshi/rentauth/internal/config"
	"github.com/hitoshi/rentauth/internal/database"
	"github.com/hitoshi/rentauth/internal/guard"
	"github.com/hitoshi/rentauth/internal/handler"
	"github.com/hitoshi/rentauth/internal/identity"
	"github.com/hitoshi/rentauth/internal/logger"
	"github.com/hitoshi/rentauth/internal/metrics"
	"github.com/hitoshi/rentauth/internal/middleware"
	"github.com/hitoshi/rentauth/internal/repository"
	"github.com/hitoshi/rentauth/internal/security"
	"github.com/hitoshi/rentauth/internal/token"
	"github.com/hitoshi/rentauth/internal/user"
	"github.com/hitoshi/rentauth/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	if !cmd.NeedsConfig() {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newIdentityStore は設定に応じてローカルまたはリモートのアイデンティティストアを生成し、
// レイテンシ計測で包んで返す。
// リモートストアは内部ネットワークに置かれるため、SSRF防止クライアントは使わない。
func newIdentityStore(cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector) (identity.Store, error) {
	var store identity.Store

	if cfg.RemoteIdentityStore() {
		remote, err := identity.NewRemoteStore(
			&http.Client{Timeout: cfg.IdentityStoreTimeout},
			identity.RemoteConfig{
				BaseURL: cfg.IdentityStoreURL,
				Key:     cfg.IdentityStoreKey,
				Timeout: cfg.IdentityStoreTimeout,
			},
			slog.Default(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote identity store: %w", err)
		}
		store = remote
		slog.Info("using remote identity store")
	} else {
		local, err := identity.NewLocalStore(repository.NewPostgresUserRepo(db), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create local identity store: %w", err)
		}
		store = local
		slog.Info("using local identity store")
	}

	return identity.NewInstrumentedStore(store, collector), nil
}

// newProviders は設定済みのOAuthプロバイダーを生成する。
func newProviders(cfg *config.Config, client *http.Client) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogleOAuthProvider(auth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   client,
		}))
	}
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHubOAuthProvider(auth.ProviderConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			HTTPClient:   client,
		}))
	}
	return providers
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewNameSanitizer()

	// 4. アイデンティティストア
	store, err := newIdentityStore(cfg, db, collector)
	if err != nil {
		return err
	}

	// 5. トークンとCookie
	issuer, err := token.NewIssuer(token.Config{
		Secret: []byte(cfg.TokenSecret),
		TTL:    cfg.TokenTTL,
		Issuer: cfg.TokenIssuer,
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	cookie := token.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}
	var blockKey []byte
	if cfg.CookieBlockKey != "" {
		blockKey = []byte(cfg.CookieBlockKey)
	}
	codec, err := auth.NewCookieCodec([]byte(cfg.CookieHashKey), blockKey, cookie, cfg.PendingTTL)
	if err != nil {
		return fmt.Errorf("failed to create cookie codec: %w", err)
	}

	// 6. ドメインサービスの初期化
	loginEvents := repository.NewPostgresLoginEventRepo(db)
	providers := newProviders(cfg, ssrfGuard.NewSafeClient(cfg.OAuthTimeout))
	authService := auth.NewService(auth.ServiceDeps{
		Store:     store,
		Issuer:    issuer,
		Providers: providers,
		Events:    loginEvents,
		Metrics:   collector,
		Sanitizer: sanitizer,
		Images:    ssrfGuard,
		Logger:    slog.Default(),
	}, auth.ServiceConfig{
		PendingTTL:   cfg.PendingTTL,
		OAuthTimeout: cfg.OAuthTimeout,
	})
	userService := user.NewService(store, loginEvents, sanitizer, ssrfGuard, slog.Default())

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, string(p.Name()))
	}
	slog.Info("oauth providers configured", slog.Any("providers", names))

	// 7. ページ
	pages, err := handler.NewPageHandler(cfg.FrontendURL, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create page handler: %w", err)
	}

	// 8. ルーターの構築
	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.LoginRateLimit), collector, slog.Default())
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenParser:       issuer,
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    trustedProxies,
		Cookie:            cookie,
		Logger:            slog.Default(),
		Metrics:           collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		AuthService: authService,
		Cookies:     codec,
		TokenTTL:    issuer.TTL(),
		GuardPaths:  guard.DefaultPaths(),

		UserService: userService,

		Pages: pages,
	}
	// ローカルストアを使うデプロイメントだけがストアAPIを公開する。
	if !cfg.RemoteIdentityStore() && cfg.IdentityStoreKey != "" {
		deps.IdentityStore = store
		deps.IdentityKey = cfg.IdentityStoreKey
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、サインイン記録の保持期間クリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := cleanup.NewCleanupJob(db, slog.Default(), cfg.LogRetentionDays)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.LogRetentionDays),
	)

	// シグナル受信までブロックする
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は未適用のマイグレーションを適用し、適用後のスキーマバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.Migrate(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed",
		slog.Uint64("from_version", uint64(status.From)),
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("changed", status.Changed()),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
