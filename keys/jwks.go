package keys

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"

	"distauth/token"
)

var errNotAnArray = errors.New("jwks is not an array and has no `keys` array")

// keySet accepts both published JWKS shapes: a bare array of keys or an
// object with a "keys" array. Entries stay raw until one is selected so a
// single unsupported key does not poison the set.
type keySet struct {
	keys []json.RawMessage
}

func (s *keySet) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return errNotAnArray
	}
	switch trimmed[0] {
	case '[':
		return json.Unmarshal(trimmed, &s.keys)
	case '{':
		var wrapped struct {
			Keys *[]json.RawMessage `json:"keys"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return err
		}
		if wrapped.Keys == nil {
			return errNotAnArray
		}
		s.keys = *wrapped.Keys
		return nil
	}
	return errNotAnArray
}

// find returns the raw JWK whose kid equals kid.
func (s keySet) find(kid string) (json.RawMessage, bool) {
	for _, raw := range s.keys {
		var head struct {
			Kid string `json:"kid"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		if head.Kid == kid {
			return raw, true
		}
	}
	return nil, false
}

// jwkToPEM converts an RSA or EC JWK to a PEM public key. Private members
// are dropped and symmetric keys are refused.
func jwkToPEM(raw json.RawMessage) (string, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return "", err
	}
	if !jwk.Valid() {
		return "", errors.New("jwk is not valid")
	}
	if _, symmetric := jwk.Key.([]byte); symmetric {
		return "", errors.New("jwk is a symmetric key")
	}
	if !jwk.IsPublic() {
		jwk = jwk.Public()
	}
	pem, err := token.EncodePublicKeyPEM(jwk.Key)
	if err != nil {
		return "", fmt.Errorf("encode jwk %s: %w", jwk.KeyID, err)
	}
	return pem, nil
}
