package autherr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{"intent", New(KindIntent, "token was issued by an unintended issuer: https://x"), "this JWT can not be trusted! token was issued by an unintended issuer: https://x"},
		{"discovery with cause", Wrap(KindDiscovery, "could not fetch metadata", errors.New("connection refused")), "can not discover public key of token: could not fetch metadata: connection refused"},
		{"signature hides cause", Wrap(KindSignature, "signature is incorrect", errors.New("kid not found")), "this JWT can not be trusted! signature is incorrect"},
		{"xss", New(KindXSSVulnerability, "anti-csrf-token found without redacted signature!"), "potential cross-site-scripting vulnerability detected! anti-csrf-token found without redacted signature!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestKindMatching(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	inner := Wrap(KindDiscovery, "could not fetch jwks", cause)
	outer := Wrap(KindSignature, "signature is incorrect", inner)
	wrapped := fmt.Errorf("authenticate: %w", outer)

	if !errors.Is(wrapped, ErrSignature) {
		t.Fatalf("expected signature sentinel to match")
	}
	if !errors.Is(wrapped, ErrDiscovery) {
		t.Fatalf("expected discovery cause to be reachable")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected transport cause to be reachable")
	}
	if errors.Is(wrapped, ErrCSRFAttack) {
		t.Fatalf("unexpected csrf match")
	}
	if k, ok := KindOf(wrapped); !ok || k != KindSignature {
		t.Fatalf("KindOf = %q, %v", k, ok)
	}
	if !IsKind(wrapped, KindSignature) || IsKind(wrapped, KindDiscovery) {
		t.Fatalf("IsKind should report the outermost kind")
	}
}

func TestIsSecurityEvent(t *testing.T) {
	for _, k := range []Kind{KindCSRFAttack, KindCSRFVulnerability, KindXSSVulnerability} {
		if !IsSecurityEvent(New(k, "x")) {
			t.Fatalf("%s should be a security event", k)
		}
	}
	if IsSecurityEvent(New(KindTimestamp, "token has expired")) {
		t.Fatalf("expired token is not a security event")
	}
	if IsSecurityEvent(errors.New("plain")) {
		t.Fatalf("plain errors are not security events")
	}
	if !strings.HasPrefix(New(KindCSRFAttack, "x").Error(), "potential cross-site-request-forgery attack") {
		t.Fatalf("unexpected csrf prefix")
	}
}
