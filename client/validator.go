package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"distauth/auth"
	"distauth/autherr"
	"distauth/csrf"
	"distauth/keys"
	"distauth/token"
)

// TrustedIssuer names an issuer whose tokens are accepted. JWKSURL is only
// set for issuers that do not publish authorization server metadata.
type TrustedIssuer struct {
	Issuer  string
	JWKSURL string
}

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuers           []TrustedIssuer
	ExpectedAudiences []string
	CacheTTL          time.Duration
	FetchTimeout      time.Duration
	HTTPClient        *http.Client
	// Cache lets several validators in one process share discovered keys.
	Cache *keys.Cache
	// DisableCSRF turns off double-submit checks for cookie tokens.
	DisableCSRF bool
	Logger      *slog.Logger
	Now         func() time.Time
}

// Validator authenticates tokens carried by incoming requests.
type Validator struct {
	cfg     ValidatorConfig
	trusted map[string]struct{}
	auth    *auth.Authenticator
	guard   *csrf.Guard
	logger  *slog.Logger
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.Issuers) == 0 {
		return nil, errors.New("at least one trusted issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = keys.DefaultTTL
	}

	trusted := make(map[string]struct{}, len(cfg.Issuers))
	jwksURIs := make(map[string]string)
	for _, iss := range cfg.Issuers {
		if iss.Issuer == "" {
			return nil, errors.New("trusted issuer requires an issuer")
		}
		trusted[iss.Issuer] = struct{}{}
		if iss.JWKSURL != "" {
			jwksURIs[iss.Issuer] = iss.JWKSURL
		}
	}

	discoverer := keys.NewDiscoverer(keys.Config{
		Cache:      cfg.Cache,
		HTTPClient: cfg.HTTPClient,
		TTL:        cfg.CacheTTL,
		Timeout:    cfg.FetchTimeout,
		Logger:     cfg.Logger,
	})

	return &Validator{
		cfg:     cfg,
		trusted: trusted,
		auth: auth.New(auth.Config{
			Keys:     discoverer,
			JWKSURIs: jwksURIs,
			Now:      cfg.Now,
			Logger:   cfg.Logger,
		}),
		guard:  csrf.NewGuard(cfg.Logger),
		logger: cfg.Logger,
	}, nil
}

// Validate authenticates rawToken against whichever trusted issuer it names.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*auth.Claims, error) {
	if rawToken == "" {
		return nil, autherr.New(autherr.KindShape, "token required")
	}
	claims, err := token.UnauthedClaims(rawToken)
	if err != nil {
		return nil, err
	}
	iss, _ := claims.GetIssuer()
	if _, ok := v.trusted[iss]; !ok {
		return nil, autherr.New(autherr.KindIntent, fmt.Sprintf("token was issued by an unintended issuer: %s", iss))
	}
	return v.auth.Authenticate(ctx, rawToken, auth.Expectation{Issuer: iss, Audiences: v.cfg.ExpectedAudiences})
}

// ValidateRequest selects the request's token, applying CSRF protection to
// cookie tokens, and authenticates it.
func (v *Validator) ValidateRequest(r *http.Request) (*auth.Claims, csrf.Source, error) {
	var (
		raw string
		src csrf.Source
		err error
	)
	if v.cfg.DisableCSRF {
		raw, src = csrf.FromHeaders(r.Header)
	} else {
		raw, src, err = v.guard.TokenFromRequest(r)
		if err != nil {
			return nil, src, err
		}
	}
	if src == csrf.SourceNone {
		return nil, src, ErrNoToken
	}
	claims, err := v.Validate(r.Context(), raw)
	return claims, src, err
}

// ErrNoToken is returned when a request carries neither cookie nor header token.
var ErrNoToken = errors.New("no token in request")

// HasScopes ensures the claims include the required scopes.
func (v *Validator) HasScopes(claims *auth.Claims, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{})
	for _, sc := range claims.Scopes() {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, src, err := v.ValidateRequest(r)
			if err != nil {
				status, msg := http.StatusUnauthorized, "invalid token"
				if autherr.IsSecurityEvent(err) {
					status, msg = http.StatusForbidden, "forbidden"
				}
				v.logger.Info("request rejected", "path", r.URL.Path, "source", src, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, msg, status)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				v.logger.Info("request rejected", "path", r.URL.Path, "sub", claims.Subject, "error", err)
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

type claimsKey struct{}
