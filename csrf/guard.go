package csrf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"distauth/autherr"
	"distauth/metrics"
	"distauth/token"
)

// Guard enforces double-submit protection on cookie-sourced tokens:
//
//  1. the request's Origin (or Referer) must be same-site as the cookie
//     token's audience;
//  2. the Authorization header must carry the same token with its signature
//     replaced by token.RedactedSignature, and the cookie token's jti must
//     be a UUID.
//
// Tokens sent only in the Authorization header are returned unchecked.
type Guard struct {
	Logger *slog.Logger
}

// NewGuard creates a guard. A nil logger discards output.
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guard{Logger: logger}
}

// TokenFromRequest is TokenFromHeaders on r's headers.
func (g *Guard) TokenFromRequest(r *http.Request) (string, Source, error) {
	return g.TokenFromHeaders(r.Header)
}

// TokenFromHeaders returns the request's token and where it came from. A
// cookie token is only returned once it passes Protect.
func (g *Guard) TokenFromHeaders(h http.Header) (string, Source, error) {
	raw, src := FromHeaders(h)
	if src != SourceCookie {
		return raw, src, nil
	}
	if err := g.Protect(h, raw); err != nil {
		return "", SourceCookie, err
	}
	return raw, SourceCookie, nil
}

// Protect checks the double-submit protocol for cookieToken.
func (g *Guard) Protect(h http.Header, cookieToken string) error {
	err := protect(h, cookieToken)
	if err != nil {
		kind, _ := autherr.KindOf(err)
		metrics.CSRFRejections.WithLabelValues(string(kind)).Inc()
		if autherr.IsSecurityEvent(err) {
			g.logger().Warn("csrf protection rejected request", "kind", kind, "error", err)
		}
	}
	return err
}

func (g *Guard) logger() *slog.Logger {
	if g == nil || g.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g.Logger
}

func protect(h http.Header, cookieToken string) error {
	cookie, err := token.Parse(cookieToken)
	if err != nil {
		return err
	}

	source := headerValue(h, "Origin")
	if source == "" {
		source = headerValue(h, "Referer")
	}
	if source == "" {
		source = headerValue(h, "Referrer")
	}
	if source == "" {
		return autherr.New(autherr.KindCSRFAttack, "source origin can not be detected from request. no origin or referrer.")
	}
	target := targetOrigin(cookie)
	if !IsSameSite(source, target) {
		return autherr.New(autherr.KindCSRFAttack,
			fmt.Sprintf("source origin is not same site as target origin! (target='%s', source='%s')", target, source))
	}

	antiRaw, ok := FromAuthorizationHeader(h)
	if !ok {
		return autherr.New(autherr.KindCSRFAttack, "no anti-csrf-token was passed in the request!")
	}
	if !token.IsRedacted(antiRaw) {
		return autherr.New(autherr.KindXSSVulnerability, "anti-csrf-token found without redacted signature!")
	}
	anti, err := token.Parse(antiRaw)
	if err != nil {
		return autherr.Wrap(autherr.KindCSRFAttack, "anti-csrf-token is not synchronized with token", err)
	}
	if !sameJSON(anti.Claims, cookie.Claims) || !sameJSON(anti.Header, cookie.Header) {
		return autherr.New(autherr.KindCSRFAttack, "anti-csrf-token is not synchronized with token")
	}

	jti, _ := cookie.Claims["jti"].(string)
	if !IsUUID(jti) {
		return autherr.New(autherr.KindCSRFVulnerability, "token.jti is not a uuid - can not guarantee randomness of token")
	}
	return nil
}

// targetOrigin is the cookie token's audience, which must be a single value.
func targetOrigin(tok *token.Token) string {
	aud, err := tok.Claims.GetAudience()
	if err != nil || len(aud) != 1 {
		return ""
	}
	return aud[0]
}

// sameJSON compares two decoded claim sets by their canonical (sorted key)
// JSON serialization.
func sameJSON(a, b map[string]any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// IsUUID reports whether s is a canonical 36 character RFC 4122 UUID with a
// version between 1 and 8. The nil UUID is rejected.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return false
	}
	if id.Variant() != uuid.RFC4122 {
		return false
	}
	v := id.Version()
	return v >= 1 && v <= 8
}
