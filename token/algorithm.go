package token

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"sort"

	"github.com/golang-jwt/jwt/v5"

	"distauth/autherr"
)

// Family is the public key primitive behind an algorithm.
type Family string

const (
	FamilyRSA   Family = "RSA"
	FamilyECDSA Family = "ECDSA"
)

// Primitive describes how an allow-listed algorithm signs and verifies.
// ECDSA signatures are fixed-length r||s (IEEE P1363), never ASN.1 DER.
type Primitive struct {
	Alg    string
	Family Family
	Hash   crypto.Hash
	Curve  elliptic.Curve
	Method jwt.SigningMethod
}

var primitives = map[string]Primitive{
	"RS256": {Alg: "RS256", Family: FamilyRSA, Hash: crypto.SHA256, Method: jwt.SigningMethodRS256},
	"RS384": {Alg: "RS384", Family: FamilyRSA, Hash: crypto.SHA384, Method: jwt.SigningMethodRS384},
	"RS512": {Alg: "RS512", Family: FamilyRSA, Hash: crypto.SHA512, Method: jwt.SigningMethodRS512},
	"ES256": {Alg: "ES256", Family: FamilyECDSA, Hash: crypto.SHA256, Curve: elliptic.P256(), Method: jwt.SigningMethodES256},
	"ES384": {Alg: "ES384", Family: FamilyECDSA, Hash: crypto.SHA384, Curve: elliptic.P384(), Method: jwt.SigningMethodES384},
}

// Resolve maps alg to its primitive. Symmetric, "none" and any algorithm
// outside the asymmetric allow-list are rejected.
func Resolve(alg string) (Primitive, error) {
	p, ok := primitives[alg]
	if !ok {
		return Primitive{}, autherr.New(autherr.KindUnsupportedAlgorithm,
			fmt.Sprintf("algorithm %q is not supported. only asymmetric algorithms %v are allowed", alg, Algorithms()))
	}
	return p, nil
}

// Supported reports whether alg is in the allow-list.
func Supported(alg string) bool {
	_, ok := primitives[alg]
	return ok
}

// Algorithms lists the allow-list in sorted order.
func Algorithms() []string {
	out := make([]string, 0, len(primitives))
	for alg := range primitives {
		out = append(out, alg)
	}
	sort.Strings(out)
	return out
}
