// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rentauth/internal/model"
	"github.com/hitoshi/rentauth/internal/token"
)

// TokenParser はセッショントークンの検証に必要なインターフェース。
// token.Issuerの部分集合として定義する。
type TokenParser interface {
	Parse(raw string) (*token.Claims, error)
}

// NewTokenAuthMiddleware はAuthorizationヘッダーまたはCookieからセッショントークンを読み取り、
// 署名と有効期限を検証するミドルウェアを返す。
// 検証済みのClaimsをリクエストコンテキストに注入する。
// ロール選択待ちのトークンも通す。未認証リクエストには401 Unauthorizedを返す。
func NewTokenAuthMiddleware(parser TokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. トークンを取得
			raw := token.FromRequest(r)
			if raw == "" {
				WriteError(w, model.NewUnauthorizedError())
				return
			}

			// 2. 署名・有効期限・クレームの整合性を検証
			claims, err := parser.Parse(raw)
			if err != nil {
				if !errors.Is(err, token.ErrInvalidToken) {
					slog.Error("failed to parse token",
						slog.String("error", err.Error()),
					)
				}
				WriteError(w, model.NewUnauthorizedError())
				return
			}

			// 3. Claimsをコンテキストに注入
			annotateLog(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(token.NewContext(r.Context(), claims)))
		})
	}
}

// NewRequireResolvedRoleMiddleware はロール選択が完了したトークンのみを通すミドルウェアを返す。
// NewTokenAuthMiddlewareの後に配置する。
func NewRequireResolvedRoleMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := ClaimsFromContext(r.Context())
			if err != nil {
				WriteError(w, model.NewUnauthorizedError())
				return
			}
			if claims.NeedsRoleSelection {
				WriteError(w, model.NewForbiddenError("ロールの選択が完了していません。"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext はリクエストコンテキストからClaimsを取得する。
// トークン認証ミドルウェアを通過したリクエストでのみ有効。
func ClaimsFromContext(ctx context.Context) (*token.Claims, error) {
	claims, ok := token.FromContext(ctx)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	return claims, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, err := ClaimsFromContext(ctx)
	if err != nil {
		return "", err
	}
	if claims.UserID() == "" {
		return "", errors.New("user ID not found in context")
	}
	return claims.UserID(), nil
}

// ContextWithClaims はコンテキストにClaimsを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	annotateLog(ctx, claims)
	return token.NewContext(ctx, claims)
}

// NewOptionalTokenMiddleware は有効なセッショントークンがあればClaimsをコンテキストに注入し、
// なければそのまま次のハンドラーへ渡すミドルウェアを返す。
// トークンの有無で挙動が変わるがトークンを必須としないエンドポイントで使う。
func NewOptionalTokenMiddleware(parser TokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := token.FromRequest(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := parser.Parse(raw)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			annotateLog(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(token.NewContext(r.Context(), claims)))
		})
	}
}
