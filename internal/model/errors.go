package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeIdentityStoreUnavailable = "IDENTITY_STORE_UNAVAILABLE"
	ErrCodeDuplicateIdentity        = "DUPLICATE_IDENTITY"
	ErrCodeMissingPendingIdentity   = "MISSING_PENDING_IDENTITY"
	ErrCodeRoleAlreadyAssigned      = "ROLE_ALREADY_ASSIGNED"
	ErrCodeInvalidRole              = "INVALID_ROLE"
	ErrCodeEmailAlreadyRegistered   = "EMAIL_ALREADY_REGISTERED"
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	ErrCodeOAuthFailed              = "OAUTH_FAILED"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError は資格情報不一致エラーを生成する。
// どの項目が誤っていたかは含めない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewIdentityStoreUnavailableError はアイデンティティストアへの接続失敗エラーを生成する。
func NewIdentityStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityStoreUnavailable,
		Message:  "認証サービスに一時的に接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDuplicateIdentityError は同一の外部アカウントが既に登録されている場合のエラーを生成する。
func NewDuplicateIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateIdentity,
		Message:  "このアカウントは既に登録されています。",
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewMissingPendingIdentityError は仮登録情報なしでロール選択が送信された場合のエラーを生成する。
func NewMissingPendingIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingPendingIdentity,
		Message:  "ロール選択に必要な認証情報が見つかりません。",
		Category: "auth",
		Action:   "もう一度外部アカウントでサインインしてください。",
	}
}

// NewRoleAlreadyAssignedError は既にロールが設定済みの場合のエラーを生成する。
func NewRoleAlreadyAssignedError() *APIError {
	return &APIError{
		Code:     ErrCodeRoleAlreadyAssigned,
		Message:  "ロールは既に設定されています。",
		Category: "auth",
		Action:   "ダッシュボードに移動してください。",
	}
}

// NewInvalidRoleError は無効なロール指定エラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %s", role),
		Category: "validation",
		Action:   "ロールには TENANT または MANAGER を指定してください。",
	}
}

// NewEmailAlreadyRegisteredError はメールアドレス重複エラーを生成する。
func NewEmailAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyRegistered,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "登録済みの方法でサインインしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "auth",
		Action:   "必要な権限を持つアカウントでログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewOAuthFailedError は外部IdPとの連携失敗エラーを生成する。
func NewOAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthFailed,
		Message:  "外部アカウントでの認証に失敗しました。",
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// HasCode はerrがcodeを持つAPIErrorかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
