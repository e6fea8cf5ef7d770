package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"distauth/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func metadataServer(t *testing.T, issuer func(self string) string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   issuer(srv.URL),
			"jwks_uri": srv.URL + "/jwks.json",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCheckSuccess(t *testing.T) {
	srv := metadataServer(t, func(self string) string { return self })

	cfg := server.DefaultConfig()
	cfg.Verification.TrustedIssuers = []server.TrustedIssuerConfig{
		{Issuer: srv.URL},
		{Issuer: "https://legacy.whodis.io", JWKSURI: "https://legacy.whodis.io/certs"},
	}
	if err := runCheck(context.Background(), cfg, discardLogger(), srv.Client()); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
}

func TestRunCheckIssuerMismatch(t *testing.T) {
	srv := metadataServer(t, func(string) string { return "https://impostor.whodis.io" })

	cfg := server.DefaultConfig()
	cfg.Verification.TrustedIssuers = []server.TrustedIssuerConfig{{Issuer: srv.URL}}
	if err := runCheck(context.Background(), cfg, discardLogger(), srv.Client()); err == nil {
		t.Fatalf("expected error for mismatched metadata issuer")
	}
}

func TestRunCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := server.DefaultConfig()
	cfg.Verification.TrustedIssuers = []server.TrustedIssuerConfig{{Issuer: srv.URL}}
	if err := runCheck(context.Background(), cfg, discardLogger(), srv.Client()); err == nil {
		t.Fatalf("expected error for failing issuer")
	}
}

func TestIssuerURLs(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Verification.TrustedIssuers = []server.TrustedIssuerConfig{
		{Issuer: "https://a.whodis.io/"},
		{Issuer: "https://b.whodis.io", JWKSURI: "https://b.whodis.io/certs"},
		{Issuer: "https://c.whodis.io", Discovery: server.DiscoveryOpenID},
	}
	got := issuerURLs(cfg)
	want := []string{
		"https://a.whodis.io/.well-known/oauth-authorization-server",
		"https://b.whodis.io/certs",
		"https://c.whodis.io/.well-known/openid-configuration",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("url %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunSetupWritesHashedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	in := strings.NewReader(strings.Join([]string{
		"y",                     // dev mode
		"",                      // public url
		"",                      // listen addr
		"ES256",                 // algorithm
		"billing",               // client id
		"https://api.whodis.io", // audiences
		"read, write",           // scopes
	}, "\n") + "\n")
	var out bytes.Buffer

	cfg, err := runSetup(path, in, &out, discardLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Signing.Algorithm != "ES256" || len(cfg.Clients) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	c := cfg.Clients[0]
	if c.ClientID != "billing" || len(c.Scopes) != 2 || c.Audiences[0] != "https://api.whodis.io" {
		t.Fatalf("unexpected client %+v", c)
	}

	idx := strings.Index(out.String(), "(shown once, only its hash is stored): ")
	if idx == -1 {
		t.Fatalf("secret not printed: %s", out.String())
	}
	secret := strings.TrimSpace(out.String()[idx+len("(shown once, only its hash is stored): "):])
	if strings.Contains(c.SecretHash, secret) {
		t.Fatalf("plaintext secret stored in config")
	}

	registry, err := server.NewClientRegistry(cfg.Clients)
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	if _, err := registry.Authenticate("billing", secret); err != nil {
		t.Fatalf("printed secret does not authenticate: %v", err)
	}

	if err := runConfigInit(path, strings.NewReader(""), io.Discard, discardLogger()); err == nil {
		t.Fatalf("init should refuse to overwrite an existing config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"err":     slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}
