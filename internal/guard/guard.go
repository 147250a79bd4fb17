// Package guard はページ遷移ごとにセッショントークンを確認し、
// 認証状態とロール選択状態に応じてリダイレクト先を決定する。
package guard

import (
	"net/url"
	"path"
	"strings"

	"github.com/hitoshi/rentauth/internal/token"
)

// Action はガードの判定結果。
type Action int

const (
	// Proceed はリクエストをそのまま通す。
	Proceed Action = iota
	// Redirect はLocationへリダイレクトする。
	Redirect
)

// Reason はリダイレクトの理由。メトリクスのラベルにも使う。
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonLanding         Reason = "landing"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonRoleSelection   Reason = "role_selection"
	ReasonAlreadySignedIn Reason = "already_signed_in"
)

// Decision はDecideの結果。
type Decision struct {
	Action   Action
	Location string
	Reason   Reason
}

// Paths はガードが参照するパスの設定。
type Paths struct {
	Canonical     string // 常にLandingへ転送するパス
	Landing       string
	SignIn        string
	Register      string
	RoleSelection string
	Dashboard     string
	// Public は認証不要のパス。パスセグメント単位の前方一致で判定する。
	Public []string
}

// DefaultPaths はデフォルトのパス設定を返す。
func DefaultPaths() Paths {
	return Paths{
		Canonical:     "/",
		Landing:       "/landing",
		SignIn:        "/auth/login",
		Register:      "/auth/register",
		RoleSelection: "/auth/select-role",
		Dashboard:     "/dashboard",
		Public: []string{
			"/landing",
			"/search",
			"/api/auth",
			"/auth/success",
			"/healthz",
			"/metrics",
			"/_next",
			"/static",
			"/favicon.ico",
		},
	}
}

// Decide はリクエスト先とトークンのクレームから遷移の可否を判定する。
// targetはパスに続けて"?query"を含んでもよく、判定にはパスのみを使う。
// サインインへの戻り先にはクエリも残す。claimsがnilの場合は未認証として扱う。
//
// 判定は次の順で行う。
//  1. Canonicalパスは無条件にLandingへ
//  2. 公開パスは認証なしで通す
//  3. 未認証はサインインへ（サインイン・登録ページ自体は通す）
//  4. ロール選択待ちはロール選択ページ以外からロール選択へ
//  5. ロール選択済みで認証ページ・ロール選択ページならダッシュボードへ
//  6. それ以外は通す
func (p Paths) Decide(target string, claims *token.Claims) Decision {
	rawPath, rawQuery, _ := strings.Cut(target, "?")
	reqPath := cleanPath(rawPath)

	if reqPath == p.Canonical {
		return redirect(p.Landing, ReasonLanding)
	}

	for _, pub := range p.Public {
		if matchPath(reqPath, pub) {
			return Decision{Action: Proceed}
		}
	}

	authPage := matchPath(reqPath, p.SignIn) || matchPath(reqPath, p.Register)
	roleSelectionPage := matchPath(reqPath, p.RoleSelection)

	if claims == nil {
		if authPage {
			return Decision{Action: Proceed}
		}
		returnTo := reqPath
		if rawQuery != "" {
			returnTo += "?" + rawQuery
		}
		q := url.Values{"redirectTo": {returnTo}}
		return redirect(p.SignIn+"?"+q.Encode(), ReasonUnauthenticated)
	}

	if claims.NeedsRoleSelection {
		if roleSelectionPage {
			return Decision{Action: Proceed}
		}
		return redirect(p.RoleSelectionURL(claims), ReasonRoleSelection)
	}

	if authPage || roleSelectionPage {
		return redirect(p.Dashboard, ReasonAlreadySignedIn)
	}

	return Decision{Action: Proceed}
}

// RoleSelectionURL は仮登録情報をクエリに付けたロール選択ページのURLを返す。
func (p Paths) RoleSelectionURL(claims *token.Claims) string {
	return p.RoleSelection + "?" + pendingParams(claims).Encode()
}

// SignInURL はエラーコードを付けたサインインページのURLを返す。
func (p Paths) SignInURL(errorCode string) string {
	if errorCode == "" {
		return p.SignIn
	}
	return p.SignIn + "?" + url.Values{"error": {errorCode}}.Encode()
}

// pendingParams はロール選択画面に渡す仮登録情報のクエリを組み立てる。
func pendingParams(claims *token.Claims) url.Values {
	q := url.Values{}
	q.Set("provider", string(claims.Provider))
	if claims.ProviderAccountID != "" {
		q.Set("providerAccountId", claims.ProviderAccountID)
	}
	q.Set("email", claims.Email)
	if claims.Name != "" {
		q.Set("name", claims.Name)
	}
	if claims.Image != "" {
		q.Set("image", claims.Image)
	}
	return q
}

func redirect(location string, reason Reason) Decision {
	return Decision{Action: Redirect, Location: location, Reason: reason}
}

// cleanPath は"."や".."、重複スラッシュを正規化する。
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// matchPath はreqPathがprefixと一致するか、prefix配下のパスかを返す。
// "/auth"は"/auth/login"に一致するが"/authz"には一致しない。
func matchPath(reqPath, prefix string) bool {
	if prefix == "" {
		return false
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return reqPath == "/"
	}
	return reqPath == prefix || strings.HasPrefix(reqPath, prefix+"/")
}
