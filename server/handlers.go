package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"distauth/auth"
	"distauth/client"
	"distauth/csrf"
	"distauth/keys"
	"distauth/token"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Keys      *KeyManager
	Clients   *ClientRegistry
	Validator *client.Validator

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	signer, err := NewKeyManager(cfg.Signing, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		return nil, err
	}

	issuers, err := trustedIssuers(ctx, cfg, nil, logger)
	if err != nil {
		return nil, err
	}

	validator, err := client.NewValidator(client.ValidatorConfig{
		Issuers:           issuers,
		ExpectedAudiences: verificationAudiences(cfg),
		CacheTTL:          cfg.Verification.CacheTTL,
		FetchTimeout:      cfg.Verification.FetchTimeout,
		Cache:             keys.NewCache(),
		DisableCSRF:       !cfg.Verification.CSRF.Enabled,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Keys:      signer,
		Clients:   clients,
		Validator: validator,
		now:       time.Now,
	}, nil
}

// issuerURL is the iss claim of every token this daemon mints.
func issuerURL(cfg Config) string {
	return strings.TrimSuffix(cfg.Server.PublicURL, "/")
}

// verificationAudiences falls back to the audiences this daemon issues for,
// then to its own URL.
func verificationAudiences(cfg Config) []string {
	if len(cfg.Verification.Audiences) > 0 {
		return cfg.Verification.Audiences
	}
	var out []string
	seen := make(map[string]bool)
	for _, c := range cfg.Clients {
		for _, aud := range c.Audiences {
			if !seen[aud] {
				seen[aud] = true
				out = append(out, aud)
			}
		}
	}
	if len(out) == 0 {
		out = []string{issuerURL(cfg)}
	}
	return out
}

func (a *App) handleMetadata(w http.ResponseWriter, r *http.Request) {
	iss := issuerURL(a.Config)
	writeJSON(w, AuthorizationServerMetadata{
		Issuer:                            iss,
		JWKSURI:                           iss + "/.well-known/jwks.json",
		TokenEndpoint:                     iss + "/token",
		GrantTypesSupported:               []string{"client_credentials"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		SigningAlgValuesSupported:         []string{a.Keys.Algorithm()},
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(keys.DefaultTTL.Seconds())))
	writeJSON(w, a.Keys.PublicJWKS())
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	c, err := a.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	setLogClientID(r.Context(), c.ClientID)

	switch grantType := r.FormValue("grant_type"); grantType {
	case "client_credentials":
		a.handleTokenClientCredentials(w, r, c)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %q is not supported", grantType))
	}
}

func (a *App) handleTokenClientCredentials(w http.ResponseWriter, r *http.Request, c *Client) {
	scope := r.FormValue("scope")
	if !c.ValidateScopes(scope) {
		oauthError(w, http.StatusBadRequest, "invalid_scope", "requested scope is not allowed for this client")
		return
	}
	audience, ok := c.ResolveAudience(r.FormValue("audience"))
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_target", "requested audience is not allowed for this client")
		return
	}

	now := a.now()
	ttl := a.Config.Signing.TokenTTL
	claims := map[string]any{
		"iss":       issuerURL(a.Config),
		"sub":       c.ClientID,
		"aud":       audience,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       uuid.NewString(),
		"client_id": c.ClientID,
	}
	if scope != "" {
		claims["scope"] = scope
	}

	signed, kid, err := a.Keys.Sign(claims)
	if err != nil {
		a.Logger.Error("mint token", "client_id", c.ClientID, "error", err)
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}

	resp := TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       scope,
	}

	if parseBool(r.FormValue("cookie"), false) {
		anti, err := token.Redact(signed)
		if err != nil {
			a.Logger.Error("redact token", "client_id", c.ClientID, "error", err)
			oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     csrf.CookieName,
			Value:    signed,
			Path:     "/",
			Domain:   a.Config.Server.CookieDomain,
			MaxAge:   int(ttl.Seconds()),
			HttpOnly: true,
			Secure:   !a.Config.Server.DevMode,
			SameSite: http.SameSiteLaxMode,
		})
		resp.AntiCSRFToken = anti
	}

	a.Logger.Info("token issued", "client_id", c.ClientID, "aud", audience, "kid", kid, "cookie", resp.AntiCSRFToken != "")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	c, err := a.authenticateClient(r)
	if err != nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	setLogClientID(r.Context(), c.ClientID)

	raw := r.FormValue("token")
	if raw == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}

	claims, err := a.Validator.Validate(r.Context(), raw)
	if err != nil {
		a.Logger.Debug("introspect inactive", "client_id", c.ClientID, "error", err)
		writeJSON(w, map[string]any{"active": false})
		return
	}
	resp := map[string]any{"active": true}
	for k, v := range claims.Raw {
		resp[k] = v
	}
	writeJSON(w, resp)
}

func (a *App) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, ok := client.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	setLogSubject(r.Context(), claims.Subject)

	_, src := csrf.FromHeaders(r.Header)
	writeJSON(w, whoAmI(claims, src))
}

func whoAmI(claims *auth.Claims, src csrf.Source) WhoAmI {
	return WhoAmI{
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		Audiences: claims.Audiences,
		Scopes:    claims.Scopes(),
		ExpiresAt: claims.ExpiresAt.Unix(),
		Via:       string(src),
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	return a.Clients.Authenticate(clientID, clientSecret)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
