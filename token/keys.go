package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const rsaKeyBits = 2048

// KeyPair holds PEM encoded keys: PKCS#8 private, SubjectPublicKeyInfo public.
type KeyPair struct {
	Alg           string
	PrivateKeyPEM string
	PublicKeyPEM  string
}

// GenerateKey creates a private key suitable for alg.
func GenerateKey(alg string) (crypto.Signer, error) {
	p, err := Resolve(alg)
	if err != nil {
		return nil, err
	}
	switch p.Family {
	case FamilyRSA:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case FamilyECDSA:
		return ecdsa.GenerateKey(p.Curve, rand.Reader)
	}
	return nil, fmt.Errorf("unknown key family %s", p.Family)
}

// GenerateKeyPair creates a PEM encoded key pair for alg.
func GenerateKeyPair(alg string) (KeyPair, error) {
	key, err := GenerateKey(alg)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := EncodePublicKeyPEM(key.Public())
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Alg: alg, PrivateKeyPEM: priv, PublicKeyPEM: pub}, nil
}

// EncodePublicKeyPEM encodes an RSA or ECDSA public key as a PUBLIC KEY block.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 PRIVATE KEY block.
func EncodePrivateKeyPEM(priv crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM accepts RSA or EC public keys (or certificates).
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return rsaKey, nil
	}
	ecKey, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("pem does not hold an RSA or EC public key")
	}
	return ecKey, nil
}

// ParsePrivateKeyPEM accepts PKCS#1, SEC 1 and PKCS#8 encoded keys.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return rsaKey, nil
	}
	ecKey, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("pem does not hold an RSA or EC private key")
	}
	return ecKey, nil
}

// AlgorithmForKey picks the default allow-listed algorithm for a key.
func AlgorithmForKey(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256", nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return "ES256", nil
		case 384:
			return "ES384", nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	}
	return "", fmt.Errorf("unsupported key type %T", pub)
}
