package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数（rune単位）。
const MaxDisplayNameLength = 100

// NameSanitizerService は表示名のサニタイズ機能のインターフェースを定義する。
// OAuthプロバイダーから受け取った名前とプロフィール更新時の名前に使用される。
type NameSanitizerService interface {
	// SanitizeDisplayName はマークアップを除去したプレーンテキストの表示名を返す。
	// 連続する空白は1つにまとめ、MaxDisplayNameLengthを超える部分は切り詰める。
	SanitizeDisplayName(raw string) string
}

// nameSanitizer はNameSanitizerServiceの実装。
// bluemondayのStrictPolicyはすべてのタグを除去する。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerServiceの新しいインスタンスを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeDisplayName はマークアップを除去したプレーンテキストの表示名を返す。
func (s *nameSanitizer) SanitizeDisplayName(raw string) string {
	// StrictPolicyは&や'をエスケープするので、テキストとして戻す。
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>':
			return -1
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxDisplayNameLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return text
}
