package csrf

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// IsSameSite reports whether a and b share a registrable domain (public
// suffix plus one label). It answers false whenever either host can not be
// resolved against the public suffix list, including IP addresses and
// unlisted names such as "localhost".
func IsSameSite(a, b string) bool {
	da, ok := registrableDomain(a)
	if !ok {
		return false
	}
	db, ok := registrableDomain(b)
	if !ok {
		return false
	}
	return da == db
}

// IsLocalhost reports whether uri's hostname is exactly "localhost".
func IsLocalhost(uri string) bool {
	return hostname(uri) == "localhost"
}

func registrableDomain(uri string) (string, bool) {
	host := hostname(uri)
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		// Only the implicit "*" rule matched; the TLD is not listed.
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return domain, true
}

// hostname accepts full URLs as well as bare hosts like "example.org/path".
func hostname(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		u, err = url.Parse("//" + uri)
		if err != nil {
			return ""
		}
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
