package token

import "context"

type claimsContextKey struct{}

// NewContext はClaimsを格納したコンテキストを返す。
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext はコンテキストからClaimsを取り出す。
// 認証済みでないリクエストではnilとfalseを返す。
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok && claims != nil
}
