package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"distauth/token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClaims() map[string]any {
	return map[string]any{
		"iss": "https://auth.whodis.io",
		"aud": "https://api.whodis.io",
		"exp": time.Now().Add(time.Minute).Unix(),
	}
}

func TestKeyManagerSignsWithConfiguredAlgorithm(t *testing.T) {
	for _, alg := range []string{"RS256", "ES256", "ES384"} {
		t.Run(alg, func(t *testing.T) {
			m, err := NewKeyManager(SigningConfig{Algorithm: alg}, discardLogger())
			if err != nil {
				t.Fatalf("NewKeyManager: %v", err)
			}
			signed, kid, err := m.Sign(testClaims())
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			tok, err := token.Parse(signed)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tok.Alg() != alg || tok.KeyID() != kid {
				t.Fatalf("header alg=%q kid=%q, want %q %q", tok.Alg(), tok.KeyID(), alg, kid)
			}
			pub, ok := m.PublicKey(kid)
			if !ok {
				t.Fatalf("public key for %s not found", kid)
			}
			if err := token.VerifySignature(tok, pub); err != nil {
				t.Fatalf("VerifySignature: %v", err)
			}

			set := m.PublicJWKS()
			if len(set.Keys) != 1 || !set.Keys[0].IsPublic() || set.Keys[0].Algorithm != alg {
				t.Fatalf("unexpected published set: %+v", set.Keys)
			}
		})
	}
}

func TestKeyManagerRejectsUnsupportedAlgorithm(t *testing.T) {
	if _, err := NewKeyManager(SigningConfig{Algorithm: "HS256"}, discardLogger()); err == nil {
		t.Fatalf("expected error for HS256")
	}
}

func TestKeyManagerRotationKeepsPreviousKey(t *testing.T) {
	m, err := NewKeyManager(SigningConfig{Algorithm: "ES256"}, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	signed, oldKid, err := m.Sign(testClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := m.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	_, newKid, err := m.Sign(testClaims())
	if err != nil {
		t.Fatalf("Sign after rotate: %v", err)
	}
	if newKid == oldKid {
		t.Fatalf("rotation should change kid")
	}
	if len(m.PublicJWKS().Keys) != 2 {
		t.Fatalf("expected current and previous keys published")
	}

	tok, _ := token.Parse(signed)
	pub, ok := m.PublicKey(oldKid)
	if !ok {
		t.Fatalf("previous key should still be published")
	}
	if err := token.VerifySignature(tok, pub); err != nil {
		t.Fatalf("token signed before rotation should verify: %v", err)
	}

	if err := m.Rotate(); err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	if _, ok := m.PublicKey(oldKid); ok {
		t.Fatalf("key two rotations old should be retired")
	}
}

func TestKeyManagerPersistsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.json")
	cfg := SigningConfig{Algorithm: "ES256", KeysPath: path}

	first, err := NewKeyManager(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	_, kid, err := first.Sign(testClaims())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	second, err := NewKeyManager(cfg, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_, reloadedKid, err := second.Sign(testClaims())
	if err != nil {
		t.Fatalf("Sign after reload: %v", err)
	}
	if reloadedKid != kid {
		t.Fatalf("reloaded kid %q, want %q", reloadedKid, kid)
	}

	// A different algorithm cannot reuse the stored keys.
	third, err := NewKeyManager(SigningConfig{Algorithm: "RS256", KeysPath: path}, discardLogger())
	if err != nil {
		t.Fatalf("reload with other alg: %v", err)
	}
	if _, k, _ := third.Sign(testClaims()); k == kid {
		t.Fatalf("expected fresh key for different algorithm")
	}
}
