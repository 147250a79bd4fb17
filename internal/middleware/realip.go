package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies はCIDRまたは単一IPの一覧を解釈する。
// 空要素は無視する。
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("failed to parse trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// NewTrustedProxyMiddleware はクライアントIPを復元するミドルウェアを返す。
//
// 接続元が信頼済みプロキシの場合に限り、X-Forwarded-Forを右から辿って
// 最初の信頼済みでないアドレスをRemoteAddrに設定する。
// それ以外の接続ではヘッダーを無視するため、クライアントが接続元IPを詐称できない。
// trustedが空ならRemoteAddrを変更しない。
func NewTrustedProxyMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, err := netip.ParseAddr(ClientIP(r))
			if err != nil || !containsAddr(trusted, peer) {
				next.ServeHTTP(w, r)
				return
			}

			if client, ok := forwardedClient(r.Header.Values("X-Forwarded-For"), trusted); ok {
				_, port, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					port = "0"
				}
				r = r.WithContext(r.Context())
				r.RemoteAddr = net.JoinHostPort(client.String(), port)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClient はX-Forwarded-Forの値を右から辿り、信頼済みでない最初のアドレスを返す。
// 解釈できない要素に当たった場合はそこで打ち切る。
func forwardedClient(values []string, trusted []netip.Prefix) (netip.Addr, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}

	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		addr = addr.Unmap()
		if !containsAddr(trusted, addr) {
			return addr, true
		}
		last = addr
	}
	return last, last.IsValid()
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
