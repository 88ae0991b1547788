package policy

import (
	"time"

	"github.com/vyrodovalexey/avauthz/internal/authz"
)

// InternalErrorReason is the deny reason for failures that must not leak
// detail downstream.
const InternalErrorReason = "internal authorization error"

// Context returns the attributes forwarded to downstream services on Allow:
// the caller under "user", request metadata under "request" and, when known,
// the resource under "resource". It never contains token material.
func Context(ac *authz.AccessContext, rc *authz.ResourceContext) map[string]interface{} {
	if ac == nil {
		return nil
	}
	ctx := map[string]interface{}{
		"user": map[string]interface{}{
			"id":                 ac.UserID,
			"email":              ac.Email,
			"roles":              nonNil(ac.Roles),
			"departments":        nonNil(ac.Departments),
			"location":           ac.Location,
			"security_clearance": ac.Clearance,
		},
		"request": map[string]interface{}{
			"ip_address": ac.IPAddress,
			"user_agent": ac.UserAgent,
			"timestamp":  timestamp(ac.RequestTime),
		},
	}
	if rc != nil {
		ctx["resource"] = rc.Attributes()
	}
	return ctx
}

// DenyContext returns the context of a Deny document.
func DenyContext(reason string) map[string]interface{} {
	if reason == "" {
		reason = InternalErrorReason
	}
	return map[string]interface{}{"error": reason}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
