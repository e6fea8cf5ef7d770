// Package csrf selects the token a request carries and, for tokens sent in
// the authorization cookie, enforces double-submit CSRF protection.
package csrf

import (
	"net/http"
	"strings"

	"distauth/token"
)

// CookieName is the exact, case-sensitive name of the authorization cookie.
const CookieName = "authorization"

// Source identifies where a token was read from.
type Source string

const (
	SourceNone   Source = ""
	SourceCookie Source = "authorization_cookie"
	SourceHeader Source = "authorization_header"
)

// FromAuthorizationHeader returns the token in the Authorization header.
// The "Bearer " prefix is optional; values that do not look like a token
// are ignored.
func FromAuthorizationHeader(h http.Header) (string, bool) {
	val := strings.TrimSpace(headerValue(h, "Authorization"))
	if len(val) > 7 && strings.EqualFold(val[:7], "Bearer ") {
		val = strings.TrimSpace(val[7:])
	}
	if !token.LooksLikeToken(val) {
		return "", false
	}
	return val, true
}

// FromAuthorizationCookie returns the token in the "authorization" cookie.
func FromAuthorizationCookie(h http.Header) (string, bool) {
	var cookies []string
	for name, vals := range h {
		if strings.EqualFold(name, "Cookie") {
			cookies = append(cookies, vals...)
		}
	}
	if len(cookies) == 0 {
		return "", false
	}
	req := http.Request{Header: http.Header{"Cookie": cookies}}
	c, err := req.Cookie(CookieName)
	if err != nil || !token.LooksLikeToken(c.Value) {
		return "", false
	}
	return c.Value, true
}

// FromHeaders returns the cookie token if present, else the header token.
// No CSRF checks are applied; see Guard.TokenFromHeaders.
func FromHeaders(h http.Header) (string, Source) {
	if tok, ok := FromAuthorizationCookie(h); ok {
		return tok, SourceCookie
	}
	if tok, ok := FromAuthorizationHeader(h); ok {
		return tok, SourceHeader
	}
	return "", SourceNone
}

// headerValue looks name up case-insensitively, including keys that were
// stored without canonicalization.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vals := range h {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}
