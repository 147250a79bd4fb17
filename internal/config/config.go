package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Token
	TokenSecret string        `env:"TOKEN_SECRET,required,notEmpty"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	TokenIssuer string        `env:"TOKEN_ISSUER" envDefault:"rentauth"`

	// Cookie
	CookieHashKey  string        `env:"COOKIE_HASH_KEY,required,notEmpty"`
	CookieBlockKey string        `env:"COOKIE_BLOCK_KEY"`
	CookieDomain   string        `env:"COOKIE_DOMAIN"`
	PendingTTL     time.Duration `env:"PENDING_TTL" envDefault:"30m"`
	CookieSecure   bool          `env:"-"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL"`
	GitHubClientID     string        `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string        `env:"GITHUB_REDIRECT_URL"`
	OAuthTimeout       time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`

	// Identity store
	IdentityStoreURL     string        `env:"IDENTITY_STORE_URL"`
	IdentityStoreKey     string        `env:"IDENTITY_STORE_KEY"`
	IdentityStoreTimeout time.Duration `env:"IDENTITY_STORE_TIMEOUT" envDefault:"5s"`

	// Rate Limit
	LoginRateLimit int      `env:"LOGIN_RATE_LIMIT" envDefault:"10"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","` // X-Forwarded-Forを信頼するプロキシのCIDR

	// Logging
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogRetentionDays int    `env:"LOG_RETENTION_DAYS" envDefault:"90"`

	// Worker
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Server
	ServerPort  string `env:"PORT" envDefault:"8080"`
	BaseURL     string `env:"BASE_URL,required,notEmpty"`
	FrontendURL string `env:"FRONTEND_URL"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// minTokenSecretLength はHS256署名鍵として受け付ける最小バイト数。
const minTokenSecretLength = 32

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合は未設定のキーをまとめたエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		if missing := missingKeys(err); len(missing) > 0 {
			return nil, fmt.Errorf("required environment variables are not set: %v", missing)
		}
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if len(cfg.TokenSecret) < minTokenSecretLength {
		return nil, fmt.Errorf("TOKEN_SECRET must be at least %d bytes", minTokenSecretLength)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// GoogleEnabled はGoogle OAuthの設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// GitHubEnabled はGitHub OAuthの設定が揃っているかを返す。
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != "" && c.GitHubRedirectURL != ""
}

// RemoteIdentityStore はリモートのアイデンティティストアを使うかを返す。
func (c *Config) RemoteIdentityStore() bool {
	return c.IdentityStoreURL != ""
}

// missingKeys はenvのパースエラーから未設定・空の必須キーを取り出す。
func missingKeys(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}

	var missing []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		}
	}
	return missing
}
