// Package autherr defines the single error type returned by token
// authentication, key discovery and CSRF protection.
package autherr

import (
	"errors"
)

// Kind classifies why a token or request was rejected.
type Kind string

const (
	KindShape                Kind = "shape"
	KindIntent               Kind = "intent"
	KindTimestamp            Kind = "timestamp"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"
	KindSignature            Kind = "signature"
	KindDiscovery            Kind = "discovery"
	KindCSRFAttack           Kind = "csrf_attack"
	KindCSRFVulnerability    Kind = "csrf_vulnerability"
	KindXSSVulnerability     Kind = "xss_vulnerability"
	KindConfiguration        Kind = "configuration"
	KindCreation             Kind = "creation"
)

// Sentinels usable with errors.Is. They match any *Error of the same kind.
var (
	ErrShape                = &Error{Kind: KindShape}
	ErrIntent               = &Error{Kind: KindIntent}
	ErrTimestamp            = &Error{Kind: KindTimestamp}
	ErrUnsupportedAlgorithm = &Error{Kind: KindUnsupportedAlgorithm}
	ErrSignature            = &Error{Kind: KindSignature}
	ErrDiscovery            = &Error{Kind: KindDiscovery}
	ErrCSRFAttack           = &Error{Kind: KindCSRFAttack}
	ErrCSRFVulnerability    = &Error{Kind: KindCSRFVulnerability}
	ErrXSSVulnerability     = &Error{Kind: KindXSSVulnerability}
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrCreation             = &Error{Kind: KindCreation}
)

// Error carries a kind, a short human readable reason and an optional cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := prefix(e.Kind)
	switch {
	case e.Reason != "":
		msg += e.Reason
	case e.Err != nil:
		msg += e.Err.Error()
	default:
		msg += string(e.Kind)
	}

	// Signature failures stay undifferentiated; the cause is only reachable via Unwrap.
	if e.Err != nil && e.Reason != "" && e.Kind != KindSignature {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Reason != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// New returns an error of kind with reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap returns an error of kind with reason that wraps err.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if !errors.As(err, &typed) {
		return "", false
	}
	return typed.Kind, true
}

// IsKind reports whether the outermost *Error in err's chain has kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsSecurityEvent reports whether err indicates a likely attack or a latent
// vulnerability rather than ordinary token churn.
func IsSecurityEvent(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindCSRFAttack, KindCSRFVulnerability, KindXSSVulnerability:
		return true
	}
	return false
}

func prefix(kind Kind) string {
	switch kind {
	case KindShape, KindIntent, KindTimestamp, KindUnsupportedAlgorithm, KindSignature:
		return "this JWT can not be trusted! "
	case KindDiscovery:
		return "can not discover public key of token: "
	case KindCSRFAttack:
		return "potential cross-site-request-forgery attack detected! "
	case KindCSRFVulnerability:
		return "potential cross-site-request-forgery vulnerability detected! "
	case KindXSSVulnerability:
		return "potential cross-site-scripting vulnerability detected! "
	case KindConfiguration:
		return "invalid configuration: "
	case KindCreation:
		return "can not create token: "
	}
	return ""
}
