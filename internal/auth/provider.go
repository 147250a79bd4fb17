package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/rentauth/internal/model"
)

// maxProviderResponseSize はプロバイダーAPIのレスポンスボディの上限。
const maxProviderResponseSize = 1 << 20

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 外部IdPによる本人確認はプロバイダー側に委ね、検証済みのプロフィールだけを返す。
type OAuthProvider interface {
	// Name はプロバイダー名を返す。
	Name() model.Provider
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、プロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*model.OAuthProfile, error)
}

// ProviderConfig はOAuthプロバイダー共通の設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient はトークン交換とプロフィール取得に使うクライアント。
	// nilの場合はhttp.DefaultClientを使用する。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	APIURL   string
}

func (c ProviderConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// endpoint はデフォルトのエンドポイントに設定のオーバーライドを適用する。
func (c ProviderConfig) endpoint(def oauth2.Endpoint) oauth2.Endpoint {
	if c.AuthURL != "" {
		def.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		def.TokenURL = c.TokenURL
	}
	return def
}

// exchange は認可コードをトークンに交換し、トークン付きのHTTPクライアントを返す。
// oauth2パッケージの通信にも設定のHTTPクライアントを使わせる。
func exchange(ctx context.Context, cfg *oauth2.Config, httpClient *http.Client, code string) (*http.Client, error) {
	if code == "" {
		return nil, fmt.Errorf("empty authorization code")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return cfg.Client(ctx, tok), nil
}

// getJSON はGETリクエストを送信し、200のレスポンスをoutにデコードする。
func getJSON(ctx context.Context, client *http.Client, url string, header http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
