package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"distauth/client"
)

// resolveOpenIDJWKSURI reads jwks_uri from an issuer's OpenID provider
// metadata. go-oidc rejects metadata whose issuer differs from the one asked for.
func resolveOpenIDJWKSURI(ctx context.Context, httpClient *http.Client, issuer string) (string, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("discover openid provider %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return "", fmt.Errorf("decode openid metadata %s: %w", issuer, err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("openid provider %s does not publish jwks_uri", issuer)
	}
	return meta.JWKSURI, nil
}

// trustedIssuers turns configuration into validator issuers, resolving
// OpenID issuers up front. The daemon always trusts itself.
func trustedIssuers(ctx context.Context, cfg Config, httpClient *http.Client, logger *slog.Logger) ([]client.TrustedIssuer, error) {
	self := issuerURL(cfg)
	out := []client.TrustedIssuer{{Issuer: self}}
	for _, iss := range cfg.Verification.TrustedIssuers {
		if iss.Issuer == self {
			continue
		}
		ti := client.TrustedIssuer{Issuer: iss.Issuer, JWKSURL: iss.JWKSURI}
		if iss.Discovery == DiscoveryOpenID {
			uri, err := resolveOpenIDJWKSURI(ctx, httpClient, iss.Issuer)
			if err != nil {
				return nil, err
			}
			logger.Info("resolved openid issuer", "issuer", iss.Issuer, "jwks_uri", uri)
			ti.JWKSURL = uri
		}
		out = append(out, ti)
	}
	return out, nil
}
