package xbridge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput          = errors.New("missing required setup field")
	ErrAuthExchangeFailed    = errors.New("authorization exchange failed")
	ErrAuthorizationPending  = errors.New("authorization pending")
	ErrAuthorizationDeclined = errors.New("authorization declined")
	ErrDeviceCodeExpired     = errors.New("device code expired")
	ErrInvalidDeviceCode     = errors.New("invalid device code")
	ErrSessionBind           = errors.New("failed binding session")
	ErrRefreshFailed         = errors.New("failed refreshing tokens")
	ErrTokenNotRenewable     = errors.New("token set has no refresh token")
	ErrSessionNotReady       = errors.New("session not ready")
	ErrUnsupportedCommand    = errors.New("unsupported command")
	ErrAuthExpired           = errors.New("authorization expired")
	ErrTransport             = errors.New("transport failure")
)

// Guidance buckets provider-reported authorization failures into categories
// the setup surface can turn into an actionable message.
type Guidance int

const (
	GuidanceGeneric Guidance = iota
	GuidanceMissingClientSecret
	GuidanceRedirectMismatch
)

// AuthError is a structured error response from the identity provider,
// carrying the wire-level error code and its decoded description.
type AuthError struct {
	Code        string
	Description string

	err error
}

func newAuthError(code, description string) *AuthError {
	e := &AuthError{Code: code, Description: description}
	switch code {
	case "authorization_pending", "slow_down":
		e.err = ErrAuthorizationPending
	case "authorization_declined", "access_denied":
		e.err = ErrAuthorizationDeclined
	case "expired_token":
		e.err = ErrDeviceCodeExpired
	case "bad_verification_code":
		e.err = ErrInvalidDeviceCode
	default:
		e.err = ErrAuthExchangeFailed
	}
	return e
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error %q", e.Code)
	}
	return fmt.Sprintf("provider error %q: %s", e.Code, e.Description)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

func (e *AuthError) Guidance() Guidance {
	desc := strings.ToLower(e.Description)
	switch {
	case strings.Contains(desc, "client secret") || strings.Contains(desc, "client assertion"):
		return GuidanceMissingClientSecret
	case strings.Contains(desc, "redirect"):
		return GuidanceRedirectMismatch
	default:
		return GuidanceGeneric
	}
}
