package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/rentauth/internal/model"
)

// KeyHeader はストアAPIの認証に使うヘッダー名。
const KeyHeader = "X-Identity-Key"

// maxResponseSize はストアAPIのレスポンスボディの上限。
const maxResponseSize = 1 << 20

// RemoteStore はHTTP経由でリモートのアイデンティティストアを呼び出すStoreの実装。
// 各呼び出しにはタイムアウトを適用し、タイムアウト・接続失敗・5xxはErrUnavailableとして返す。
type RemoteStore struct {
	httpClient *http.Client
	baseURL    string
	key        string
	timeout    time.Duration
	logger     *slog.Logger
}

// RemoteConfig はRemoteStoreの設定。
type RemoteConfig struct {
	BaseURL string
	Key     string
	Timeout time.Duration
}

// NewRemoteStore はRemoteStoreを生成する。
// httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewRemoteStore(httpClient *http.Client, cfg RemoteConfig, logger *slog.Logger) (*RemoteStore, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid identity store URL: %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteStore{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		key:        cfg.Key,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// storeResult はストアAPIのHTTPステータスの分類。
type storeResult int

const (
	storeResultOK storeResult = iota
	storeResultNotFound
	storeResultConflict
	storeResultUnavailable
	storeResultRejected
)

// classifyStatus はストアAPIのHTTPステータスコードを分類する。
func classifyStatus(statusCode int) storeResult {
	switch {
	case statusCode == http.StatusOK || statusCode == http.StatusCreated || statusCode == http.StatusNoContent:
		return storeResultOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusUnauthorized:
		return storeResultNotFound
	case statusCode == http.StatusConflict:
		return storeResultConflict
	case statusCode == http.StatusTooManyRequests:
		return storeResultUnavailable
	case statusCode >= 500:
		return storeResultUnavailable
	default:
		return storeResultRejected
	}
}

// VerifyPassword はメールアドレスとパスワードを検証する。
func (s *RemoteStore) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	return s.doUser(ctx, http.MethodPost, "/identity/verify", VerifyRequest{Email: email, Password: password})
}

// FindByProvider は(provider, providerAccountID)でユーザーを検索する。
func (s *RemoteStore) FindByProvider(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error) {
	q := url.Values{}
	q.Set("provider", string(provider))
	q.Set("providerAccountId", providerAccountID)
	return s.doUser(ctx, http.MethodGet, "/identity/users/by-provider?"+q.Encode(), nil)
}

// FindByID はIDでユーザーを検索する。
func (s *RemoteStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	return s.doUser(ctx, http.MethodGet, "/identity/users/"+url.PathEscape(id), nil)
}

// CreateCredentialUser は資格情報ユーザーを作成する。
func (s *RemoteStore) CreateCredentialUser(ctx context.Context, in NewCredentialUser) (*model.User, error) {
	return s.doUser(ctx, http.MethodPost, "/identity/users", CreateCredentialRequest{
		Email:       in.Email,
		Password:    in.Password,
		Name:        in.Name,
		PhoneNumber: in.PhoneNumber,
		Role:        string(in.Role),
	})
}

// CreateOAuthUser はロール未設定のOAuthユーザーを作成する。
func (s *RemoteStore) CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	return s.doUser(ctx, http.MethodPost, "/identity/users/oauth", CreateOAuthRequest{
		Provider:          string(profile.Provider),
		ProviderAccountID: profile.ProviderAccountID,
		Email:             profile.Email,
		Name:              profile.Name,
		Image:             profile.ImageURL,
	})
}

// UpdateProfile はプロフィールを部分更新する。
func (s *RemoteStore) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error) {
	return s.doUser(ctx, http.MethodPatch, "/identity/users/"+url.PathEscape(id), UpdateProfileRequest{
		Name:        update.Name,
		PhoneNumber: update.PhoneNumber,
		Image:       update.ImageURL,
	})
}

// AssignRole はロール未設定のユーザーにロールを設定する。
func (s *RemoteStore) AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	return s.doUser(ctx, http.MethodPut, "/identity/users/"+url.PathEscape(id)+"/role", AssignRoleRequest{Role: string(role)})
}

// DeleteUser はユーザーを削除する。
func (s *RemoteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.do(ctx, http.MethodDelete, "/identity/users/"+url.PathEscape(id), nil)
	return err
}

// doUser はリクエストを送信し、レスポンスをUserとしてデコードする。
func (s *RemoteStore) doUser(ctx context.Context, method, path string, body interface{}) (*model.User, error) {
	data, err := s.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	var payload UserPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUnavailable, err)
	}
	user, ok := payload.ToModel()
	if !ok {
		return nil, fmt.Errorf("%w: malformed user in response", ErrUnavailable)
	}
	return user, nil
}

// do はリクエストを送信し、ステータスを分類してレスポンスボディを返す。
func (s *RemoteStore) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.key != "" {
		req.Header.Set(KeyHeader, s.key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("identity store request failed",
			slog.String("method", method),
			slog.String("path", stripQuery(path)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	switch classifyStatus(resp.StatusCode) {
	case storeResultOK:
		return data, nil
	case storeResultNotFound:
		return nil, ErrNotFound
	case storeResultConflict:
		return nil, ErrConflict
	case storeResultUnavailable:
		s.logger.Warn("identity store returned error status",
			slog.String("method", method),
			slog.String("path", stripQuery(path)),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("identity store rejected request: status %d", resp.StatusCode)
	}
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// コンパイル時にインターフェースの実装を検証する。
var _ Store = (*RemoteStore)(nil)
