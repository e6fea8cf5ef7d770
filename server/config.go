package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"distauth/keys"
	"distauth/token"
)

// Hardcoded token and key defaults
const (
	DefaultAlgorithm      = "RS256"
	DefaultTokenTTL       = 10 * time.Minute
	DefaultRotateInterval = 24 * time.Hour
	DefaultHSTSMaxAge     = 63072000
)

// Discovery modes for trusted issuers
const (
	DiscoveryOAuth  = "oauth"
	DiscoveryOpenID = "openid"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Signing      SigningConfig      `yaml:"signing"`
	Clients      []ClientConfig     `yaml:"clients"`
	Verification VerificationConfig `yaml:"verification"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SigningConfig controls how issued tokens are signed.
type SigningConfig struct {
	Algorithm      string        `yaml:"algorithm"`
	KeysPath       string        `yaml:"keys_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

// ClientConfig describes a client-credentials client. SecretHash is a bcrypt hash.
type ClientConfig struct {
	ClientID   string   `yaml:"client_id"`
	SecretHash string   `yaml:"secret_hash"`
	Audiences  []string `yaml:"audiences"`
	Scopes     []string `yaml:"scopes"`
}

// VerificationConfig controls which tokens the protected endpoints accept.
type VerificationConfig struct {
	Audiences      []string              `yaml:"audiences"`
	TrustedIssuers []TrustedIssuerConfig `yaml:"trusted_issuers"`
	CacheTTL       time.Duration         `yaml:"cache_ttl"`
	FetchTimeout   time.Duration         `yaml:"fetch_timeout"`
	CSRF           CSRFConfig            `yaml:"csrf"`
}

// TrustedIssuerConfig names a remote issuer. JWKSURI skips discovery entirely;
// Discovery "openid" resolves the JWKS through OpenID provider metadata.
type TrustedIssuerConfig struct {
	Issuer    string `yaml:"issuer"`
	JWKSURI   string `yaml:"jwks_uri,omitempty"`
	Discovery string `yaml:"discovery,omitempty"`
}

// CSRFConfig toggles double-submit protection for cookie tokens.
type CSRFConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Signing: SigningConfig{
			Algorithm:      DefaultAlgorithm,
			RotateInterval: DefaultRotateInterval,
			TokenTTL:       DefaultTokenTTL,
		},
		Verification: VerificationConfig{
			CacheTTL:     keys.DefaultTTL,
			FetchTimeout: keys.DefaultTimeout,
			CSRF:         CSRFConfig{Enabled: true},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DISTAUTH_SERVER_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"DISTAUTH_SERVER_DEV_LISTEN_ADDR":    func(v string) { cfg.Server.DevListenAddr = v },
		"DISTAUTH_SERVER_HTTP_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPListenAddr = v },
		"DISTAUTH_SERVER_HTTPS_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPSListenAddr = v },
		"DISTAUTH_SERVER_DEV_MODE":           func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"DISTAUTH_SERVER_COOKIE_DOMAIN":      func(v string) { cfg.Server.CookieDomain = v },
		"DISTAUTH_SERVER_TLS_DOMAINS":        func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"DISTAUTH_SERVER_TLS_EMAIL":          func(v string) { cfg.Server.TLS.Email = v },
		"DISTAUTH_SERVER_SECRETS_PATH":       func(v string) { cfg.Server.SecretsPath = v },
		"DISTAUTH_SIGNING_ALGORITHM":         func(v string) { cfg.Signing.Algorithm = v },
		"DISTAUTH_SIGNING_TOKEN_TTL":         func(v string) { cfg.Signing.TokenTTL = parseDuration(v, cfg.Signing.TokenTTL) },
		"DISTAUTH_VERIFICATION_AUDIENCES":    func(v string) { cfg.Verification.Audiences = splitAndTrim(v) },
		"DISTAUTH_VERIFICATION_CACHE_TTL":    func(v string) { cfg.Verification.CacheTTL = parseDuration(v, cfg.Verification.CacheTTL) },
		"DISTAUTH_VERIFICATION_CSRF_ENABLED": func(v string) { cfg.Verification.CSRF.Enabled = parseBool(v, cfg.Verification.CSRF.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	if !token.Supported(c.Signing.Algorithm) {
		slog.Error("Unsupported signing algorithm", "field", "signing.algorithm", "value", c.Signing.Algorithm, "valid_values", token.Algorithms())
		return fmt.Errorf("signing.algorithm must be one of %v, got: %s", token.Algorithms(), c.Signing.Algorithm)
	}
	if c.Signing.TokenTTL <= 0 {
		slog.Error("Invalid token ttl", "field", "signing.token_ttl", "value", c.Signing.TokenTTL)
		return errors.New("signing.token_ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[client.ClientID] {
			slog.Error("Duplicate client", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): duplicate client_id", i, client.ClientID)
		}
		seen[client.ClientID] = true
		if _, err := bcrypt.Cost([]byte(client.SecretHash)); err != nil {
			slog.Error("Client secret_hash is not a bcrypt hash", "client_id", client.ClientID, "index", i, "error", err)
			return fmt.Errorf("clients[%d] (%s): secret_hash must be a bcrypt hash: %w", i, client.ClientID, err)
		}
		if len(client.Audiences) == 0 {
			slog.Error("Client missing audiences", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one audience is required", i, client.ClientID)
		}
	}

	if len(c.Verification.Audiences) == 0 && len(c.Verification.TrustedIssuers) > 0 {
		slog.Error("Missing verification audiences", "field", "verification.audiences")
		return errors.New("verification.audiences is required when trusted_issuers are configured")
	}
	for i, iss := range c.Verification.TrustedIssuers {
		if !isHTTPURL(iss.Issuer) {
			slog.Error("Invalid trusted issuer", "index", i, "issuer", iss.Issuer, "reason", "must start with http:// or https://")
			return fmt.Errorf("verification.trusted_issuers[%d]: issuer must start with http:// or https://, got: %s", i, iss.Issuer)
		}
		if iss.JWKSURI != "" && !isHTTPURL(iss.JWKSURI) {
			slog.Error("Invalid trusted issuer jwks_uri", "index", i, "issuer", iss.Issuer, "jwks_uri", iss.JWKSURI)
			return fmt.Errorf("verification.trusted_issuers[%d] (%s): jwks_uri must start with http:// or https://, got: %s", i, iss.Issuer, iss.JWKSURI)
		}
		switch iss.Discovery {
		case "", DiscoveryOAuth, DiscoveryOpenID:
		default:
			slog.Error("Invalid trusted issuer discovery mode", "index", i, "issuer", iss.Issuer, "discovery", iss.Discovery, "valid_values", []string{DiscoveryOAuth, DiscoveryOpenID})
			return fmt.Errorf("verification.trusted_issuers[%d] (%s): discovery must be %q or %q, got: %s", i, iss.Issuer, DiscoveryOAuth, DiscoveryOpenID, iss.Discovery)
		}
		if iss.JWKSURI != "" && iss.Discovery == DiscoveryOpenID {
			slog.Error("Conflicting trusted issuer settings", "index", i, "issuer", iss.Issuer)
			return fmt.Errorf("verification.trusted_issuers[%d] (%s): jwks_uri and discovery: openid are mutually exclusive", i, iss.Issuer)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	return nil
}

// hostOf strips scheme, port and path from a URL.
func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
