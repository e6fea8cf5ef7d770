// Package token splits, decodes, signs and verifies compact JWTs restricted
// to asymmetric algorithms.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"distauth/autherr"
)

// RedactedSignature replaces the signature segment of an anti-CSRF token.
const RedactedSignature = "__REDACTED__"

// Token is a compact JWT split into its segments with decoded claims.
// None of its contents are trusted until authenticated.
type Token struct {
	Raw       string
	Segments  [3]string
	Header    map[string]any
	Claims    jwt.MapClaims
	Signature []byte
}

// Alg returns the header "alg" value.
func (t *Token) Alg() string {
	alg, _ := t.Header["alg"].(string)
	return alg
}

// KeyID returns the header "kid" value.
func (t *Token) KeyID() string {
	kid, _ := t.Header["kid"].(string)
	return kid
}

// SigningInput is header and body exactly as received, signature excluded.
func (t *Token) SigningInput() string {
	return t.Segments[0] + "." + t.Segments[1]
}

// Redacted reports whether the signature segment is the redaction sentinel.
func (t *Token) Redacted() bool {
	return t.Segments[2] == RedactedSignature
}

// Parse validates the three segment shape and decodes header and body.
// Any failure is a shape error.
func Parse(raw string) (*Token, error) {
	segments, err := split(raw)
	if err != nil {
		return nil, err
	}

	header, err := decodeSegment(segments[0])
	if err != nil {
		return nil, autherr.Wrap(autherr.KindShape, "token header is not valid base64url encoded json", err)
	}
	body, err := decodeSegment(segments[1])
	if err != nil {
		return nil, autherr.Wrap(autherr.KindShape, "token body is not valid base64url encoded json", err)
	}

	tok := &Token{
		Raw:      raw,
		Segments: segments,
		Header:   header,
		Claims:   jwt.MapClaims(body),
	}
	if segments[2] != "" && segments[2] != RedactedSignature {
		sig, err := base64.RawURLEncoding.DecodeString(segments[2])
		if err != nil {
			return nil, autherr.Wrap(autherr.KindShape, "token signature is not valid base64url", err)
		}
		tok.Signature = sig
	}
	return tok, nil
}

// LooksLikeToken reports whether raw has the segment.segment.signature shape
// without decoding it.
func LooksLikeToken(raw string) bool {
	_, err := split(raw)
	return err == nil
}

func split(raw string) ([3]string, error) {
	var out [3]string
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return out, autherr.New(autherr.KindShape, fmt.Sprintf("token must have 3 segments, found %d", len(parts)))
	}
	if !isBase64URL(parts[0]) || !isBase64URL(parts[1]) {
		return out, autherr.New(autherr.KindShape, "token header and body must be non-empty base64url segments")
	}
	if parts[2] != "" && !isBase64URL(parts[2]) {
		return out, autherr.New(autherr.KindShape, "token signature must be base64url")
	}
	copy(out[:], parts)
	return out, nil
}

func isBase64URL(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func decodeSegment(seg string) (map[string]any, error) {
	payload, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("segment is not a json object")
	}
	return out, nil
}

func encodeSegment(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Redact replaces the signature of raw with RedactedSignature.
func Redact(raw string) (string, error) {
	segments, err := split(raw)
	if err != nil {
		return "", err
	}
	return segments[0] + "." + segments[1] + "." + RedactedSignature, nil
}

// IsRedacted reports whether raw is well formed and carries a redacted signature.
func IsRedacted(raw string) bool {
	segments, err := split(raw)
	return err == nil && segments[2] == RedactedSignature
}

// IsExpired decodes raw without verification and reports whether its exp is
// before now. A token without exp never expires by this check.
func IsExpired(raw string, now time.Time) (bool, error) {
	tok, err := Parse(raw)
	if err != nil {
		return false, err
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil {
		return false, autherr.Wrap(autherr.KindShape, "exp claim is not numeric", err)
	}
	if exp == nil {
		return false, nil
	}
	return now.After(exp.Time), nil
}

// UnauthedClaims returns the body claims without any verification.
func UnauthedClaims(raw string) (jwt.MapClaims, error) {
	tok, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return tok.Claims, nil
}

// UnauthedHeader returns the header claims without any verification.
func UnauthedHeader(raw string) (map[string]any, error) {
	tok, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return tok.Header, nil
}
