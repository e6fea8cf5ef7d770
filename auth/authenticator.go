// Package auth decides whether a token's claims can be trusted. Checks run
// in order (shape, intent, timestamps, algorithm, signature) and the first
// failure is returned.
package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"distauth/autherr"
	"distauth/keys"
	"distauth/metrics"
	"distauth/token"
)

// KeySource resolves the PEM public key an issuer publishes under a kid.
// *keys.Discoverer implements it.
type KeySource interface {
	PublicKey(ctx context.Context, issuer, kid string) (string, error)
	PublicKeyFromJWKSURI(ctx context.Context, issuer, kid, jwksURI string) (string, error)
}

// Config configures an Authenticator.
type Config struct {
	// Keys defaults to a discoverer with its own cache.
	Keys KeySource
	// JWKSURIs maps issuers that do not support metadata discovery to the
	// location of their JWKS.
	JWKSURIs map[string]string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Expectation is what the caller requires of a token's intent.
type Expectation struct {
	Issuer    string
	Audiences []string
}

// Claims is a simplified view of authenticated token claims.
type Claims struct {
	Issuer    string
	Subject   string
	Audiences []string
	TokenID   string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	Header    map[string]any
	Raw       jwt.MapClaims
}

// Authenticator runs the authentication pipeline. Safe for concurrent use.
type Authenticator struct {
	keys     KeySource
	jwksURIs map[string]string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an authenticator with sane defaults.
func New(cfg Config) *Authenticator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Keys == nil {
		cfg.Keys = keys.NewDiscoverer(keys.Config{Logger: cfg.Logger})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	uris := make(map[string]string, len(cfg.JWKSURIs))
	for iss, uri := range cfg.JWKSURIs {
		uris[iss] = uri
	}
	return &Authenticator{keys: cfg.Keys, jwksURIs: uris, now: cfg.Now, logger: cfg.Logger}
}

// Authenticate returns the claims of raw only if every check passes.
func (a *Authenticator) Authenticate(ctx context.Context, raw string, want Expectation) (*Claims, error) {
	claims, err := a.authenticate(ctx, raw, want)
	if err != nil {
		kind, _ := autherr.KindOf(err)
		metrics.Authentications.WithLabelValues(string(kind)).Inc()
		a.logger.Debug("token rejected", "kind", kind, "error", err)
		return nil, err
	}
	metrics.Authentications.WithLabelValues("ok").Inc()
	return claims, nil
}

func (a *Authenticator) authenticate(ctx context.Context, raw string, want Expectation) (*Claims, error) {
	tok, err := token.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := checkIntent(tok.Claims, want); err != nil {
		return nil, err
	}
	if err := checkTimestamps(tok.Claims, a.now()); err != nil {
		return nil, err
	}
	if _, err := token.Resolve(tok.Alg()); err != nil {
		return nil, err
	}

	issuer, _ := tok.Claims.GetIssuer()
	pem, err := a.publicKey(ctx, issuer, tok.KeyID())
	if err != nil {
		return nil, autherr.Wrap(autherr.KindSignature, "signature is incorrect", err)
	}
	if err := token.VerifySignature(tok, pem); err != nil {
		return nil, err
	}
	return newClaims(tok), nil
}

func (a *Authenticator) publicKey(ctx context.Context, issuer, kid string) (string, error) {
	if uri, ok := a.jwksURIs[issuer]; ok {
		return a.keys.PublicKeyFromJWKSURI(ctx, issuer, kid, uri)
	}
	return a.keys.PublicKey(ctx, issuer, kid)
}

func checkIntent(claims jwt.MapClaims, want Expectation) error {
	if want.Issuer == "" {
		return autherr.New(autherr.KindConfiguration, "an expected issuer is required")
	}
	if len(want.Audiences) == 0 {
		return autherr.New(autherr.KindConfiguration, "at least one expected audience is required")
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != want.Issuer {
		return autherr.New(autherr.KindIntent, fmt.Sprintf("token was issued by an unintended issuer: %v", claims["iss"]))
	}

	aud, err := claims.GetAudience()
	if err != nil || !audienceAllowed(aud, want.Audiences) {
		return autherr.New(autherr.KindIntent, fmt.Sprintf("token was issued to be used for an unintended audience: %v", claims["aud"]))
	}
	return nil
}

func checkTimestamps(claims jwt.MapClaims, now time.Time) error {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return autherr.Wrap(autherr.KindTimestamp, "expiration claim is not a number", err)
	}
	if exp == nil {
		return autherr.New(autherr.KindTimestamp, "no expiration claim on the token. this is very unsafe")
	}
	if now.After(exp.Time) {
		return autherr.New(autherr.KindTimestamp, "token has expired (see `token.claims.exp`)")
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return autherr.Wrap(autherr.KindTimestamp, "not-before claim is not a number", err)
	}
	if nbf != nil && now.Before(nbf.Time) {
		return autherr.New(autherr.KindTimestamp, "token can not be used yet (see `token.claims.nbf`)")
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, want := range expected {
			if a == want {
				return true
			}
		}
	}
	return false
}

// SignedClaims returns the claims of raw after checking only its shape,
// algorithm and signature against publicKey (a crypto.PublicKey or PEM).
// Issuer, audience and timestamps are NOT checked: the claims are only known
// to have been signed by the key holder at some point.
func SignedClaims(raw string, publicKey any) (*Claims, error) {
	tok, err := token.Parse(raw)
	if err != nil {
		return nil, err
	}
	if _, err := token.Resolve(tok.Alg()); err != nil {
		return nil, err
	}
	if err := token.VerifySignature(tok, publicKey); err != nil {
		return nil, err
	}
	return newClaims(tok), nil
}

func newClaims(tok *token.Token) *Claims {
	c := &Claims{Header: tok.Header, Raw: tok.Claims}
	c.Issuer, _ = tok.Claims.GetIssuer()
	c.Subject, _ = tok.Claims.GetSubject()
	if aud, err := tok.Claims.GetAudience(); err == nil {
		c.Audiences = aud
	}
	c.TokenID, _ = tok.Claims["jti"].(string)
	if exp, err := tok.Claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if nbf, err := tok.Claims.GetNotBefore(); err == nil && nbf != nil {
		c.NotBefore = nbf.Time
	}
	if iat, err := tok.Claims.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c
}

// Scopes splits the space separated "scope" claim.
func (c *Claims) Scopes() []string {
	s, _ := c.Raw["scope"].(string)
	return strings.Fields(s)
}
