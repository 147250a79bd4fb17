package identity

import (
	"time"

	"github.com/hitoshi/rentauth/internal/model"
)

// UserPayload はストアAPIで送受信するユーザー表現。
// パスワードハッシュは含めない。
type UserPayload struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	PhoneNumber       *string   `json:"phoneNumber"`
	Image             *string   `json:"image"`
	Role              *string   `json:"role"`
	Provider          string    `json:"provider"`
	ProviderAccountID *string   `json:"providerAccountId"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ToPayload はUserをUserPayloadに変換する。
func ToPayload(u *model.User) UserPayload {
	p := UserPayload{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		PhoneNumber:       u.PhoneNumber,
		Image:             u.ImageURL,
		Provider:          string(u.Provider),
		ProviderAccountID: u.ProviderAccountID,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
	if u.Role != nil {
		r := string(*u.Role)
		p.Role = &r
	}
	return p
}

// ToModel はUserPayloadをUserに変換する。
// 未知のロール・プロバイダーは受け付けない。
func (p UserPayload) ToModel() (*model.User, bool) {
	provider, ok := model.ParseProvider(p.Provider)
	if !ok || p.ID == "" {
		return nil, false
	}

	u := &model.User{
		ID:                p.ID,
		Email:             p.Email,
		Name:              p.Name,
		PhoneNumber:       p.PhoneNumber,
		ImageURL:          p.Image,
		Provider:          provider,
		ProviderAccountID: p.ProviderAccountID,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.Role != nil {
		r, ok := model.ParseRole(*p.Role)
		if !ok {
			return nil, false
		}
		u.Role = &r
	}
	return u, true
}

// VerifyRequest は資格情報検証リクエスト。
type VerifyRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateCredentialRequest は資格情報ユーザー作成リクエスト。
type CreateCredentialRequest struct {
	Email       string  `json:"email"`
	Password    string  `json:"password"`
	Name        string  `json:"name"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`
	Role        string  `json:"role"`
}

// CreateOAuthRequest はOAuthユーザー作成リクエスト。
type CreateOAuthRequest struct {
	Provider          string `json:"provider"`
	ProviderAccountID string `json:"providerAccountId"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	Image             string `json:"image,omitempty"`
}

// UpdateProfileRequest はプロフィール更新リクエスト。
type UpdateProfileRequest struct {
	Name        *string `json:"name,omitempty"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`
	Image       *string `json:"image,omitempty"`
}

// AssignRoleRequest はロール設定リクエスト。
type AssignRoleRequest struct {
	Role string `json:"role"`
}
