package domain

import "strings"

// commonSLD lists second-level domains that act like top-level ones, so that
// "news.shop.co.uk" normalizes to "shop.co.uk" instead of "co.uk".
var commonSLD = map[string]struct{}{
	"co.uk": {}, "ac.uk": {}, "gov.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {},
	"co.jp": {}, "ne.jp": {}, "or.jp": {},
	"com.br": {}, "com.ar": {}, "com.mx": {}, "com.tr": {},
	"com.cn": {}, "com.hk": {}, "com.sg": {},
	"co.in": {}, "co.id": {}, "co.kr": {}, "co.za": {},
}

// NormalizeDomain reduces a host name to its registrable domain: lowercase,
// no "www." prefix, at most two labels (three when the tail is a common SLD).
// Domain-scoped operations (hide-by-domain, type override) group items by
// this normalized form.
func NormalizeDomain(dom string) string {
	dom = strings.ToLower(strings.TrimSpace(dom))
	dom = strings.TrimPrefix(dom, "www.")
	dom = strings.TrimLeft(dom, ".")
	parts := strings.Split(dom, ".")
	if len(parts) <= 2 {
		return dom
	}
	tail := strings.Join(parts[len(parts)-2:], ".")
	if _, ok := commonSLD[tail]; ok {
		return strings.Join(parts[len(parts)-3:], ".")
	}
	return tail
}
