package server

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"

	"distauth/token"
)

type signingKey struct {
	Signer    crypto.Signer
	JWK       jose.JSONWebKey
	Kid       string
	CreatedAt time.Time
}

// KeyManager owns the issuer's signing keys. The current key signs; the
// previous key stays published so tokens minted before a rotation still verify.
type KeyManager struct {
	mu          sync.RWMutex
	alg         string
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyManager loads keys from cfg.KeysPath or generates a fresh one.
func NewKeyManager(cfg SigningConfig, logger *slog.Logger) (*KeyManager, error) {
	if !token.Supported(cfg.Algorithm) {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	m := &KeyManager{
		alg:         cfg.Algorithm,
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.KeysPath,
		logger:      logger,
	}

	if m.storePath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if m.current.Signer == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Algorithm reports the JWS algorithm used for new tokens.
func (m *KeyManager) Algorithm() string {
	return m.alg
}

// StartRotation rotates the signing key on a ticker until stop is closed.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("signing key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign mints a token over claims with the current key and returns it with its kid.
func (m *KeyManager) Sign(claims map[string]any) (string, string, error) {
	m.mu.RLock()
	key := m.current
	m.mu.RUnlock()

	header := map[string]any{"alg": m.alg, "kid": key.Kid}
	signed, err := token.Create(header, claims, key.Signer)
	if err != nil {
		return "", "", err
	}
	return signed, key.Kid, nil
}

// PublicKey returns the verification key for kid, if this issuer still publishes it.
func (m *KeyManager) PublicKey(kid string) (crypto.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.Kid {
		return m.current.Signer.Public(), true
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return prev.Signer.Public(), true
		}
	}
	return nil, false
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new current key, retaining one previous key.
func (m *KeyManager) Rotate() error {
	signer, err := token.GenerateKey(m.alg)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: signer, KeyID: kid, Algorithm: m.alg, Use: "sig"}

	m.mu.Lock()
	if m.current.Signer != nil {
		m.previous = append([]signingKey{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = signingKey{Signer: signer, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("signing key rotated", "kid", kid, "alg", m.alg)
	}

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *KeyManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("parse %s: %w", m.storePath, err)
	}

	var loaded []signingKey
	for _, key := range set.Keys {
		signer, ok := key.Key.(crypto.Signer)
		if !ok || key.Algorithm != m.alg {
			continue
		}
		loaded = append(loaded, signingKey{Signer: signer, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()})
	}
	if len(loaded) == 0 {
		if m.logger != nil {
			m.logger.Warn("no usable signing keys on disk", "path", m.storePath, "alg", m.alg)
		}
		return nil
	}
	m.current = loaded[0]
	m.previous = loaded[1:]
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
