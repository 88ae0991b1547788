package jwt

import (
	"errors"
	"fmt"
)

// Signing algorithm names.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgES256 = "ES256"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
)

// Failure reasons. They are safe to return to callers and to log.
const (
	ReasonMissingToken     = "missing authentication token"
	ReasonDecode           = "token decode error"
	ReasonExpired          = "token expired"
	ReasonNotYetValid      = "token not yet valid"
	ReasonMissingExpiry    = "token missing expiration"
	ReasonInvalidSignature = "invalid token signature"
	ReasonInvalidIssuer    = "invalid token issuer"
	ReasonInvalidAudience  = "invalid token audience"
	ReasonAlgorithm        = "token signing algorithm not allowed"
	ReasonKeyNotFound      = "signing key not found"
	ReasonKeysUnavailable  = "signing keys unavailable"
	ReasonUnknownIssuer    = "unknown issuer, no local secret configured"
)

// ErrAuthentication is matched by every error that means the caller's
// identity could not be established.
var ErrAuthentication = errors.New("authentication failed")

// Key retrieval errors.
var (
	// ErrUnknownIssuer is returned by the key cache for issuers it does not serve.
	ErrUnknownIssuer = errors.New("issuer not configured")

	// ErrKeyNotFound is returned when no key matches the token's kid.
	ErrKeyNotFound = errors.New("no key matches token kid")

	// ErrKeyFetch is matched by key set download and parse failures.
	ErrKeyFetch = errors.New("failed to fetch signing keys")
)

// AuthenticationError means the token is missing, malformed, expired, or
// carries a bad signature. It never becomes a policy document.
type AuthenticationError struct {
	Reason string
	Cause  error
}

// NewAuthenticationError creates an AuthenticationError.
func NewAuthenticationError(reason string, cause error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Cause: cause}
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return "authentication failed: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrAuthentication.
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// JWTValidationError means the token could not be checked at all: its
// issuer is unknown, or the key material for it is unavailable.
type JWTValidationError struct {
	Reason string
	Cause  error
}

// NewJWTValidationError creates a JWTValidationError.
func NewJWTValidationError(reason string, cause error) *JWTValidationError {
	return &JWTValidationError{Reason: reason, Cause: cause}
}

// Error implements the error interface.
func (e *JWTValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt validation error: %s: %v", e.Reason, e.Cause)
	}
	return "jwt validation error: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *JWTValidationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrAuthentication.
func (e *JWTValidationError) Is(target error) bool {
	return target == ErrAuthentication
}

// FetchError describes a failed key set download.
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("key set endpoint %s returned status %d", e.URL, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("key set fetch from %s failed: %v", e.URL, e.Cause)
	default:
		return "key set fetch from " + e.URL + " failed"
	}
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Is matches ErrKeyFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrKeyFetch
}

// IsAuthenticationError reports whether err means identity could not be
// established.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// Reason returns the caller-safe reason carried by an authentication error,
// or a generic reason for anything else.
func Reason(err error) string {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	var valErr *JWTValidationError
	if errors.As(err, &valErr) {
		return valErr.Reason
	}
	return "authentication failed"
}
