// Package token はセッショントークン（JWT）の発行と検証を提供する。
//
// トークンはサーバー側に状態を持たない。ロール未選択のユーザーにも発行されるが、
// その場合はneeds_role_selectionがtrueとなり、ルートガードはロール選択画面以外への
// 遷移を許可しない。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/rentauth/internal/model"
)

// MinSecretLength はHS256署名鍵の最小バイト数。
const MinSecretLength = 32

// ErrInvalidToken はトークンの形式・署名・有効期限・クレームのいずれかが不正な場合に返される。
var ErrInvalidToken = errors.New("invalid token")

// Claims はセッショントークンのクレーム。
type Claims struct {
	Email              string         `json:"email"`
	Name               string         `json:"name"`
	Image              string         `json:"image,omitempty"`
	Role               *model.Role    `json:"role"`
	Provider           model.Provider `json:"provider"`
	ProviderAccountID  string         `json:"provider_account_id,omitempty"`
	NeedsRoleSelection bool           `json:"needs_role_selection"`
	jwt.RegisteredClaims
}

// UserID はsubクレームのユーザーIDを返す。
func (c *Claims) UserID() string {
	return c.Subject
}

// Validate はjwt.ClaimsValidatorを実装する。
// needs_role_selectionはroleがnullの場合にのみtrueでなければならない。
func (c *Claims) Validate() error {
	if c.Subject == "" {
		return errors.New("missing subject")
	}
	if c.NeedsRoleSelection != (c.Role == nil) {
		return errors.New("needs_role_selection does not match role")
	}
	if c.Role != nil && !c.Role.Valid() {
		return fmt.Errorf("unknown role: %s", *c.Role)
	}
	return nil
}

// Config はIssuerの設定。
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	// Now は現在時刻を返す。nilの場合はtime.Nowを使用する。
	Now func() time.Time
}

// Issuer はセッショントークンを発行・検証する。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    now,
	}, nil
}

// TTL はトークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue はIdentityから署名済みトークンを発行する。
// needs_role_selectionは発行時点のロールから必ず再計算される。
func (i *Issuer) Issue(id *model.Identity) (string, *Claims, error) {
	if id == nil || id.UserID == "" {
		return "", nil, errors.New("identity without user ID")
	}

	now := i.now()
	claims := &Claims{
		Email:              id.Email,
		Name:               id.Name,
		Image:              id.Image,
		Provider:           id.Provider,
		ProviderAccountID:  id.ProviderAccountID,
		NeedsRoleSelection: id.Role == nil,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	if id.Role != nil {
		r := *id.Role
		claims.Role = &r
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, claims, nil
}

// Parse は署名・有効期限・発行者・クレームの整合性を検証してClaimsを返す。
// 検証に失敗した場合はErrInvalidTokenをラップしたエラーを返す。
func (i *Issuer) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return claims, nil
}
