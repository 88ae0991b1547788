package authz

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is matched by every denial error produced by the engine.
var ErrAccessDenied = errors.New("access denied")

// AuthorizationError is an RBAC or ABAC denial, or a failure to build an
// access context from otherwise valid claims. It always resolves to a Deny
// policy.
type AuthorizationError struct {
	Reason     string
	Permission string
	Resource   string
}

// NewAuthorizationError creates an AuthorizationError.
func NewAuthorizationError(reason string) *AuthorizationError {
	return &AuthorizationError{Reason: reason}
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return "authorization failed: " + e.Reason
}

// Is matches ErrAccessDenied.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAccessDenied
}

// MNPIAccessDeniedError is a denial caused by insufficient clearance for the
// resource's sensitivity tier.
type MNPIAccessDeniedError struct {
	Classification Classification
	Required       Permission
}

// Error implements the error interface.
func (e *MNPIAccessDeniedError) Error() string {
	return fmt.Sprintf("MNPI access denied: %s requires %s", e.Classification, e.Required)
}

// Is matches ErrAccessDenied.
func (e *MNPIAccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// IsAccessDenied reports whether err is a denial.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}
