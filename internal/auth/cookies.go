package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

const (
	// PendingCookieName はロール選択前の仮登録情報を保持するCookie名。
	PendingCookieName = "pending_registration"
	// StateCookieName はOAuthのstateを保持するCookie名。
	StateCookieName = "oauth_state"

	// stateTTL はOAuth認可画面からコールバックまでの猶予。
	stateTTL = 10 * time.Minute
)

// oauthState はstate Cookieの中身。
type oauthState struct {
	State    string         `json:"state"`
	Provider model.Provider `json:"provider"`
	IssuedAt time.Time      `json:"issuedAt"`
}

// CookieCodec は仮登録情報とOAuth stateを署名（blockKey指定時は暗号化も）して
// Cookieに読み書きする。サーバー側には状態を持たない。
type CookieCodec struct {
	pending    *securecookie.SecureCookie
	state      *securecookie.SecureCookie
	cfg        token.CookieConfig
	pendingTTL time.Duration
	now        func() time.Time
}

// NewCookieCodec はCookieCodecを生成する。
// blockKeyは空、または16/24/32バイトでなければならない。
func NewCookieCodec(hashKey, blockKey []byte, cfg token.CookieConfig, pendingTTL time.Duration) (*CookieCodec, error) {
	if len(hashKey) == 0 {
		return nil, errors.New("cookie hash key is required")
	}
	if len(blockKey) == 0 {
		blockKey = nil
	} else if n := len(blockKey); n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("cookie block key must be 16, 24 or 32 bytes, got %d", n)
	}
	if pendingTTL <= 0 {
		return nil, errors.New("pending TTL must be positive")
	}

	newCodec := func(maxAge time.Duration) *securecookie.SecureCookie {
		return securecookie.New(hashKey, blockKey).
			MaxAge(int(maxAge.Seconds())).
			SetSerializer(securecookie.JSONEncoder{})
	}

	return &CookieCodec{
		pending:    newCodec(pendingTTL),
		state:      newCodec(stateTTL),
		cfg:        cfg,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}, nil
}

// PendingTTL は仮登録情報の有効期間を返す。
func (c *CookieCodec) PendingTTL() time.Duration {
	return c.pendingTTL
}

// SetPending は仮登録情報をセッションCookieとして設定する。
// 有効期限は署名された値の中のIssuedAtで判定する。
func (c *CookieCodec) SetPending(w http.ResponseWriter, p *model.PendingRegistration) error {
	encoded, err := c.pending.Encode(PendingCookieName, p)
	if err != nil {
		return fmt.Errorf("failed to encode pending registration: %w", err)
	}
	http.SetCookie(w, c.cookie(PendingCookieName, encoded, "/", 0))
	return nil
}

// ReadPending はリクエストから仮登録情報を取り出す。
// Cookieがない、署名が不正、または有効期限切れの場合はnilを返す。
func (c *CookieCodec) ReadPending(r *http.Request) *model.PendingRegistration {
	ck, err := r.Cookie(PendingCookieName)
	if err != nil || ck.Value == "" {
		return nil
	}

	var p model.PendingRegistration
	if err := c.pending.Decode(PendingCookieName, ck.Value, &p); err != nil {
		return nil
	}
	if p.Expired(c.now(), c.pendingTTL) {
		return nil
	}
	return &p
}

// ClearPending は仮登録情報のCookieを削除する。
func (c *CookieCodec) ClearPending(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(PendingCookieName, "", "/", -1))
}

// NewState はランダムなstateを生成し、プロバイダー名と共にCookieへ保存する。
func (c *CookieCodec) NewState(w http.ResponseWriter, provider model.Provider) (string, error) {
	key := securecookie.GenerateRandomKey(32)
	if key == nil {
		return "", errors.New("failed to generate oauth state")
	}
	state := base64.RawURLEncoding.EncodeToString(key)

	encoded, err := c.state.Encode(StateCookieName, oauthState{
		State:    state,
		Provider: provider,
		IssuedAt: c.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode oauth state: %w", err)
	}
	http.SetCookie(w, c.cookie(StateCookieName, encoded, "/auth", int(stateTTL.Seconds())))
	return state, nil
}

// VerifyState はコールバックのstateがCookieの値と一致するかを検証する。
func (c *CookieCodec) VerifyState(r *http.Request, provider model.Provider, state string) bool {
	if state == "" {
		return false
	}
	ck, err := r.Cookie(StateCookieName)
	if err != nil {
		return false
	}

	var stored oauthState
	if err := c.state.Decode(StateCookieName, ck.Value, &stored); err != nil {
		return false
	}
	if stored.Provider != provider || c.now().After(stored.IssuedAt.Add(stateTTL)) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored.State), []byte(state)) == 1
}

// ClearState はstate Cookieを削除する。
func (c *CookieCodec) ClearState(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(StateCookieName, "", "/auth", -1))
}

func (c *CookieCodec) cookie(name, value, path string, maxAge int) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		ck.Expires = time.Unix(0, 0)
	}
	return ck
}
