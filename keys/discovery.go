package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"distauth/autherr"
	"distauth/metrics"
)

const (
	// DefaultTimeout bounds each outbound discovery request.
	DefaultTimeout = 5 * time.Second

	// MetadataPath is appended to the issuer to locate its server metadata.
	MetadataPath = "/.well-known/oauth-authorization-server"

	maxDocumentBytes = 1 << 20
)

// Config configures a Discoverer.
type Config struct {
	Cache      *Cache
	HTTPClient *http.Client
	TTL        time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Metadata is the subset of authorization server metadata used for discovery.
type Metadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// Discoverer resolves (issuer, kid) to a PEM public key. Safe for concurrent
// use; concurrent misses for the same key each perform their own discovery.
type Discoverer struct {
	cache   *Cache
	client  *http.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewDiscoverer creates a discoverer with sane defaults.
func NewDiscoverer(cfg Config) *Discoverer {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Discoverer{
		cache:   cfg.Cache,
		client:  cfg.HTTPClient,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Cache returns the cache backing this discoverer.
func (d *Discoverer) Cache() *Cache {
	return d.cache
}

// PublicKey returns the PEM public key that issuer publishes under kid,
// discovering its JWKS through the issuer's server metadata on a cache miss.
func (d *Discoverer) PublicKey(ctx context.Context, issuer, kid string) (string, error) {
	if pem, ok := d.cached(issuer, kid); ok {
		return pem, nil
	}
	if kid == "" {
		return "", autherr.New(autherr.KindDiscovery, "token does not define a `kid`, so the key can not be selected from the issuer's JWKS")
	}
	if !hasHTTPScheme(issuer) {
		return "", autherr.New(autherr.KindDiscovery,
			fmt.Sprintf("Issuer does not define a public server (i.e., does not start with `http://` or `https://`). Found `%s`", issuer))
	}

	meta, err := d.FetchMetadata(ctx, issuer)
	if err != nil {
		return "", err
	}
	if meta.Issuer != issuer {
		return "", autherr.New(autherr.KindDiscovery,
			fmt.Sprintf("Token issuer does not match the issuer defined in the auth server metadata (token: `%s`, metadata: `%s`)", issuer, meta.Issuer))
	}
	if meta.JWKSURI == "" {
		return "", autherr.New(autherr.KindDiscovery, "Auth server metadata does not define a `jwks_uri`")
	}

	return d.fromJWKS(ctx, issuer, kid, meta.JWKSURI)
}

// PublicKeyFromJWKSURI skips metadata discovery for issuers that publish
// their JWKS at a known location.
func (d *Discoverer) PublicKeyFromJWKSURI(ctx context.Context, issuer, kid, jwksURI string) (string, error) {
	if pem, ok := d.cached(issuer, kid); ok {
		return pem, nil
	}
	if kid == "" {
		return "", autherr.New(autherr.KindDiscovery, "token does not define a `kid`, so the key can not be selected from the issuer's JWKS")
	}
	return d.fromJWKS(ctx, issuer, kid, jwksURI)
}

// FetchMetadata downloads {issuer}/.well-known/oauth-authorization-server.
// A trailing slash on issuer is dropped before the path is appended.
func (d *Discoverer) FetchMetadata(ctx context.Context, issuer string) (Metadata, error) {
	var meta Metadata
	uri := strings.TrimSuffix(issuer, "/") + MetadataPath
	if err := d.getJSON(ctx, "metadata", uri, &meta); err != nil {
		return Metadata{}, autherr.Wrap(autherr.KindDiscovery,
			fmt.Sprintf("Could not get auth server metadata from `%s`", uri), err)
	}
	return meta, nil
}

// hasHTTPScheme reports whether uri starts with http:// or https://, in any case.
func hasHTTPScheme(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (d *Discoverer) cached(issuer, kid string) (string, bool) {
	pem, ok := d.cache.Get(issuer, kid)
	if ok {
		metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
		d.logger.Debug("public key cache hit", "issuer", issuer, "kid", kid)
		return pem, true
	}
	metrics.KeyCacheLookups.WithLabelValues("miss").Inc()
	d.logger.Debug("public key cache miss", "issuer", issuer, "kid", kid)
	return "", false
}

func (d *Discoverer) fromJWKS(ctx context.Context, issuer, kid, jwksURI string) (string, error) {
	var set keySet
	if err := d.getJSON(ctx, "jwks", jwksURI, &set); err != nil {
		if errors.Is(err, errNotAnArray) {
			return "", autherr.New(autherr.KindDiscovery,
				fmt.Sprintf("JWKS found at `%s` is malformed. It is not an array.", jwksURI))
		}
		return "", autherr.Wrap(autherr.KindDiscovery,
			fmt.Sprintf("Could not get JWKS from `%s`", jwksURI), err)
	}

	raw, ok := set.find(kid)
	if !ok {
		return "", autherr.New(autherr.KindDiscovery,
			fmt.Sprintf("Could not find a JSON Web Key (JWK) with the KeyId `%s` in the JWKS at `%s`", kid, jwksURI))
	}
	pem, err := jwkToPEM(raw)
	if err != nil {
		return "", autherr.Wrap(autherr.KindDiscovery,
			fmt.Sprintf("Could not convert the JWK with the KeyId `%s` into a public key", kid), err)
	}

	d.cache.Put(issuer, kid, pem, d.ttl)
	d.logger.Debug("public key discovered", "issuer", issuer, "kid", kid, "jwks_uri", jwksURI)
	return pem, nil
}

func (d *Discoverer) getJSON(ctx context.Context, step, uri string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		metrics.DiscoveryFetches.WithLabelValues(step, "error").Inc()
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.DiscoveryDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DiscoveryFetches.WithLabelValues(step, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.DiscoveryFetches.WithLabelValues(step, "bad_status").Inc()
		return fmt.Errorf("%s fetch failed: %s", step, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(v); err != nil {
		metrics.DiscoveryFetches.WithLabelValues(step, "malformed").Inc()
		return err
	}
	metrics.DiscoveryFetches.WithLabelValues(step, "ok").Inc()
	return nil
}
