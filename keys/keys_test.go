package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"distauth/autherr"
	"distauth/metrics"
	"distauth/token"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

type fakeIssuer struct {
	srv        *httptest.Server
	metaHits   atomic.Int32
	jwksHits   atomic.Int32
	jwksBody   func() any
	metaIssuer func() string
	omitJWKS   bool
	metaStatus int
	delay      time.Duration
}

func newFakeIssuer(t *testing.T, keys ...jose.JSONWebKey) *fakeIssuer {
	t.Helper()
	f := &fakeIssuer{}
	f.jwksBody = func() any { return jose.JSONWebKeySet{Keys: keys} }
	f.metaIssuer = func() string { return f.srv.URL }

	mux := http.NewServeMux()
	mux.HandleFunc(MetadataPath, func(w http.ResponseWriter, r *http.Request) {
		f.metaHits.Add(1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.metaStatus != 0 {
			w.WriteHeader(f.metaStatus)
			return
		}
		meta := map[string]string{"issuer": f.metaIssuer()}
		if !f.omitJWKS {
			meta["jwks_uri"] = f.srv.URL + "/jwks"
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		f.jwksHits.Add(1)
		_ = json.NewEncoder(w).Encode(f.jwksBody())
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func publicJWK(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	return jose.JSONWebKey{Key: &testRSAKey(t).PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
}

func expectKind(t *testing.T, err error, kind autherr.Kind, contains string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error", kind)
	}
	if !autherr.IsKind(err, kind) {
		t.Fatalf("expected kind %s, got %v", kind, err)
	}
	if contains != "" && !strings.Contains(err.Error(), contains) {
		t.Fatalf("expected %q in %q", contains, err.Error())
	}
}

func TestDiscoverySucceedsAndCaches(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "other"), publicJWK(t, "k1"))
	now := time.Now()
	cache := NewCache().WithClock(func() time.Time { return now })
	d := NewDiscoverer(Config{Cache: cache, HTTPClient: f.srv.Client()})

	pem, err := d.PublicKey(context.Background(), f.srv.URL, "k1")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want, _ := token.EncodePublicKeyPEM(&testRSAKey(t).PublicKey)
	if pem != want {
		t.Fatalf("unexpected pem:\n%s", pem)
	}
	if f.metaHits.Load() != 1 || f.jwksHits.Load() != 1 {
		t.Fatalf("expected one fetch of each document, got meta=%d jwks=%d", f.metaHits.Load(), f.jwksHits.Load())
	}

	now = now.Add(DefaultTTL - time.Second)
	if _, err := d.PublicKey(context.Background(), f.srv.URL, "k1"); err != nil {
		t.Fatalf("cached discover: %v", err)
	}
	if f.metaHits.Load() != 1 || f.jwksHits.Load() != 1 {
		t.Fatalf("cache hit must not fetch")
	}

	now = now.Add(2 * time.Second)
	if _, err := d.PublicKey(context.Background(), f.srv.URL, "k1"); err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if f.metaHits.Load() != 2 || f.jwksHits.Load() != 2 {
		t.Fatalf("expired entry must refetch, got meta=%d jwks=%d", f.metaHits.Load(), f.jwksHits.Load())
	}
}

func TestDiscoveryCountsLookupsAndFetches(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "k1"))
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})

	hits := metrics.KeyCacheLookups.WithLabelValues("hit")
	misses := metrics.KeyCacheLookups.WithLabelValues("miss")
	metaOK := metrics.DiscoveryFetches.WithLabelValues("metadata", "ok")
	jwksOK := metrics.DiscoveryFetches.WithLabelValues("jwks", "ok")
	badStatus := metrics.DiscoveryFetches.WithLabelValues("metadata", "bad_status")
	hitsBefore, missesBefore := testutil.ToFloat64(hits), testutil.ToFloat64(misses)
	metaBefore, jwksBefore := testutil.ToFloat64(metaOK), testutil.ToFloat64(jwksOK)
	badBefore := testutil.ToFloat64(badStatus)

	for i := 0; i < 2; i++ {
		if _, err := d.PublicKey(context.Background(), f.srv.URL, "k1"); err != nil {
			t.Fatalf("discover: %v", err)
		}
	}
	if d := testutil.ToFloat64(misses) - missesBefore; d != 1 {
		t.Fatalf("misses moved by %v, want 1", d)
	}
	if d := testutil.ToFloat64(hits) - hitsBefore; d != 1 {
		t.Fatalf("hits moved by %v, want 1", d)
	}
	if d := testutil.ToFloat64(metaOK) - metaBefore; d != 1 {
		t.Fatalf("metadata ok moved by %v, want 1", d)
	}
	if d := testutil.ToFloat64(jwksOK) - jwksBefore; d != 1 {
		t.Fatalf("jwks ok moved by %v, want 1", d)
	}

	f.metaStatus = http.StatusServiceUnavailable
	if _, err := d.PublicKey(context.Background(), f.srv.URL, "k2"); err == nil {
		t.Fatalf("expected discovery error")
	}
	if d := testutil.ToFloat64(badStatus) - badBefore; d != 1 {
		t.Fatalf("bad_status moved by %v, want 1", d)
	}
}

func TestDiscoveryAcceptsUppercaseScheme(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "k1"))
	issuer := "HTTP://" + strings.TrimPrefix(f.srv.URL, "http://")
	f.metaIssuer = func() string { return issuer }
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})

	if _, err := d.PublicKey(context.Background(), issuer, "k1"); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if f.metaHits.Load() != 1 {
		t.Fatalf("expected one metadata fetch, got %d", f.metaHits.Load())
	}
}

func TestDiscoveryAcceptsBareArray(t *testing.T) {
	f := newFakeIssuer(t)
	f.jwksBody = func() any { return []jose.JSONWebKey{publicJWK(t, "k1")} }
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})

	if _, err := d.PublicKey(context.Background(), f.srv.URL, "k1"); err != nil {
		t.Fatalf("discover: %v", err)
	}
}

func TestDiscoveryAcceptsECKeys(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("ec key: %v", err)
	}
	f := newFakeIssuer(t, jose.JSONWebKey{Key: &ec.PublicKey, KeyID: "ec", Algorithm: "ES384", Use: "sig"})
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})

	pem, err := d.PublicKey(context.Background(), f.srv.URL, "ec")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	pub, err := token.ParsePublicKeyPEM([]byte(pem))
	if err != nil {
		t.Fatalf("parse pem: %v", err)
	}
	if !ec.PublicKey.Equal(pub) {
		t.Fatalf("discovered key differs from published key")
	}
}

func TestDiscoveryFailures(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(f *fakeIssuer)
		issuer   func(f *fakeIssuer) string
		kid      string
		contains string
		noFetch  bool
	}{
		{
			name:     "issuer not a url",
			issuer:   func(*fakeIssuer) string { return "auth.example.com" },
			kid:      "k1",
			contains: "does not define a public server",
			noFetch:  true,
		},
		{
			name:     "missing kid",
			kid:      "",
			contains: "`kid`",
			noFetch:  true,
		},
		{
			name:     "metadata issuer mismatch",
			setup:    func(f *fakeIssuer) { f.metaIssuer = func() string { return "https://evil.example.com" } },
			kid:      "k1",
			contains: "does not match the issuer defined in the auth server metadata",
		},
		{
			name:     "metadata without jwks_uri",
			setup:    func(f *fakeIssuer) { f.omitJWKS = true },
			kid:      "k1",
			contains: "does not define a `jwks_uri`",
		},
		{
			name:     "metadata status",
			setup:    func(f *fakeIssuer) { f.metaStatus = http.StatusInternalServerError },
			kid:      "k1",
			contains: "Could not get auth server metadata",
		},
		{
			name:     "jwks without keys",
			setup:    func(f *fakeIssuer) { f.jwksBody = func() any { return map[string]any{"foo": 1} } },
			kid:      "k1",
			contains: "It is not an array.",
		},
		{
			name:     "jwks is a string",
			setup:    func(f *fakeIssuer) { f.jwksBody = func() any { return "nope" } },
			kid:      "k1",
			contains: "It is not an array.",
		},
		{
			name:     "kid not found",
			kid:      "missing",
			contains: "Could not find a JSON Web Key (JWK) with the KeyId `missing`",
		},
		{
			name: "symmetric jwk",
			setup: func(f *fakeIssuer) {
				f.jwksBody = func() any {
					return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: []byte("secret-secret"), KeyID: "k1", Algorithm: "HS256"}}}
				}
			},
			kid:      "k1",
			contains: "Could not convert the JWK",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeIssuer(t, publicJWK(t, "k1"))
			if tc.setup != nil {
				tc.setup(f)
			}
			issuer := f.srv.URL
			if tc.issuer != nil {
				issuer = tc.issuer(f)
			}
			cache := NewCache()
			d := NewDiscoverer(Config{Cache: cache, HTTPClient: f.srv.Client()})

			_, err := d.PublicKey(context.Background(), issuer, tc.kid)
			expectKind(t, err, autherr.KindDiscovery, tc.contains)
			if tc.noFetch && f.metaHits.Load()+f.jwksHits.Load() != 0 {
				t.Fatalf("expected no network calls")
			}
			if cache.Len() != 0 {
				t.Fatalf("failed discovery must not populate the cache")
			}
		})
	}
}

func TestDiscoveryWrapsTransportCause(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "k1"))
	f.delay = 200 * time.Millisecond
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client(), Timeout: 20 * time.Millisecond})

	_, err := d.PublicKey(context.Background(), f.srv.URL, "k1")
	expectKind(t, err, autherr.KindDiscovery, "Could not get auth server metadata")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
}

func TestDiscoveryHonorsCancellation(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "k1"))
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.PublicKey(ctx, f.srv.URL, "k1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled cause, got %v", err)
	}
}

func TestExplicitJWKSURISkipsMetadata(t *testing.T) {
	f := newFakeIssuer(t, publicJWK(t, "k1"))
	d := NewDiscoverer(Config{HTTPClient: f.srv.Client()})

	if _, err := d.PublicKeyFromJWKSURI(context.Background(), "urn:not-a-host", "k1", f.srv.URL+"/jwks"); err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if f.metaHits.Load() != 0 || f.jwksHits.Load() != 1 {
		t.Fatalf("explicit mode must only fetch the jwks, got meta=%d jwks=%d", f.metaHits.Load(), f.jwksHits.Load())
	}
	if _, ok := d.Cache().Get("urn:not-a-host", "k1"); !ok {
		t.Fatalf("explicit mode must populate the cache")
	}
}

func TestCachePutGet(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCache().WithClock(func() time.Time { return now })

	if _, ok := c.Get("https://a", "k"); ok {
		t.Fatalf("empty cache returned a value")
	}
	c.Put("https://a", "k", "pem-1", 10*time.Second)
	c.Put("https://a:k", "", "collide", time.Second)
	if got, ok := c.Get("https://a", "k"); !ok || got != "pem-1" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	now = now.Add(10 * time.Second)
	if _, ok := c.Get("https://a", "k"); ok {
		t.Fatalf("entry must expire at its deadline")
	}

	c.Put("https://a", "k", "pem-2", 0)
	if got, ok := c.Get("https://a", "k"); !ok || got != "pem-2" {
		t.Fatalf("overwrite with default ttl failed: %q, %v", got, ok)
	}
	now = now.Add(DefaultTTL - time.Millisecond)
	if _, ok := c.Get("https://a", "k"); !ok {
		t.Fatalf("default ttl entry expired early")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put("https://a", "k", "pem", time.Minute)
				c.Get("https://a", "k")
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c.Len())
	}
}
