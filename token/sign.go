package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"distauth/autherr"
)

var requiredClaims = []string{"iss", "aud", "exp"}

// Create signs header and claims with privateKey and returns a compact token.
// privateKey is a crypto.Signer or PEM encoded private key. header must carry
// an allow-listed "alg"; claims must carry iss, aud and exp.
func Create(header, claims map[string]any, privateKey any) (string, error) {
	alg, _ := header["alg"].(string)
	p, err := Resolve(alg)
	if err != nil {
		return "", err
	}
	for _, name := range requiredClaims {
		if v, ok := claims[name]; !ok || v == nil {
			return "", autherr.New(autherr.KindCreation, fmt.Sprintf("claims must define `%s`", name))
		}
	}

	key, err := signerFrom(privateKey)
	if err != nil {
		return "", autherr.Wrap(autherr.KindCreation, "invalid private key", err)
	}
	if err := matchKey(p, key.Public()); err != nil {
		return "", autherr.Wrap(autherr.KindCreation, "private key does not fit algorithm", err)
	}

	hdr := make(map[string]any, len(header)+1)
	for k, v := range header {
		hdr[k] = v
	}
	hdr["typ"] = "JWT"

	headerSeg, err := encodeSegment(hdr)
	if err != nil {
		return "", autherr.Wrap(autherr.KindCreation, "encode header", err)
	}
	bodySeg, err := encodeSegment(claims)
	if err != nil {
		return "", autherr.Wrap(autherr.KindCreation, "encode claims", err)
	}

	input := headerSeg + "." + bodySeg
	sig, err := p.Method.Sign(input, key)
	if err != nil {
		return "", autherr.Wrap(autherr.KindCreation, "sign token", err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifySignature checks tok's signature over its signing input with
// publicKey, a crypto.PublicKey or PEM encoded public key.
func VerifySignature(tok *Token, publicKey any) error {
	p, err := Resolve(tok.Alg())
	if err != nil {
		return err
	}
	if tok.Redacted() || len(tok.Signature) == 0 {
		return autherr.New(autherr.KindSignature, "signature is incorrect")
	}

	pub, err := publicKeyFrom(publicKey)
	if err != nil {
		return autherr.Wrap(autherr.KindSignature, "signature is incorrect", err)
	}
	if err := matchKey(p, pub); err != nil {
		return autherr.Wrap(autherr.KindSignature, "signature is incorrect", err)
	}
	if err := p.Method.Verify(tok.SigningInput(), tok.Signature, pub); err != nil {
		return autherr.Wrap(autherr.KindSignature, "signature is incorrect", err)
	}
	return nil
}

func matchKey(p Primitive, pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if p.Family != FamilyRSA {
			return fmt.Errorf("%s requires an EC key, got RSA", p.Alg)
		}
	case *ecdsa.PublicKey:
		if p.Family != FamilyECDSA {
			return fmt.Errorf("%s requires an RSA key, got EC", p.Alg)
		}
		if k.Curve.Params().Name != p.Curve.Params().Name {
			return fmt.Errorf("%s requires curve %s, got %s", p.Alg, p.Curve.Params().Name, k.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("unsupported key type %T", pub)
	}
	return nil
}

func signerFrom(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case string:
		return ParsePrivateKeyPEM([]byte(k))
	case []byte:
		return ParsePrivateKeyPEM(k)
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}

func publicKeyFrom(key any) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		return k, nil
	case string:
		return ParsePublicKeyPEM([]byte(k))
	case []byte:
		return ParsePublicKeyPEM(k)
	}
	return nil, fmt.Errorf("unsupported public key type %T", key)
}
