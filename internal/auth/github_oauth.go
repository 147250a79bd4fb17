package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/hitoshi/rentauth/internal/model"
)

const defaultGitHubAPIURL = "https://api.github.com"

// GitHubOAuthProvider はGitHub OAuthによる認証を提供する。
type GitHubOAuthProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	apiURL     string
}

// NewGitHubOAuthProvider はGitHubOAuthProviderを生成する。
func NewGitHubOAuthProvider(cfg ProviderConfig) *GitHubOAuthProvider {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultGitHubAPIURL
	}
	return &GitHubOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     cfg.endpoint(github.Endpoint),
		},
		httpClient: cfg.httpClient(),
		apiURL:     strings.TrimRight(apiURL, "/"),
	}
}

// Name はプロバイダー名を返す。
func (p *GitHubOAuthProvider) Name() model.Provider {
	return model.ProviderGitHub
}

// GetLoginURL はGitHub OAuthの認証URLを生成する。
func (p *GitHubOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、プロフィールを取得する。
// メールアドレスは/user/emailsのうちprimaryかつverifiedのものを使う。
func (p *GitHubOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.OAuthProfile, error) {
	client, err := exchange(ctx, p.oauth, p.httpClient, code)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")

	var user githubUser
	if err := getJSON(ctx, client, p.apiURL+"/user", header, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("empty id in user response")
	}

	var emails []githubEmail
	if err := getJSON(ctx, client, p.apiURL+"/user/emails", header, &emails); err != nil {
		return nil, fmt.Errorf("failed to fetch user emails: %w", err)
	}
	email := primaryVerifiedEmail(emails)
	if email == "" {
		return nil, fmt.Errorf("github account has no verified primary email")
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &model.OAuthProfile{
		Provider:          model.ProviderGitHub,
		ProviderAccountID: strconv.FormatInt(user.ID, 10),
		Email:             email,
		Name:              name,
		ImageURL:          user.AvatarURL,
	}, nil
}

func primaryVerifiedEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}

// compile-time interface check
var _ OAuthProvider = (*GitHubOAuthProvider)(nil)
