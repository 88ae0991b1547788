package authz

import (
	"slices"
	"strings"
	"time"
)

// AccessContext is the authenticated caller, built once per request from
// validated token claims.
type AccessContext struct {
	UserID      string
	Email       string
	Roles       []string
	Departments []string
	Clearance   string
	Location    string

	// Request metadata. Informational only, never used to grant access.
	IPAddress   string
	UserAgent   string
	RequestTime time.Time
}

// HasDepartment reports whether the caller belongs to dept.
func (a *AccessContext) HasDepartment(dept string) bool {
	return slices.Contains(a.Departments, dept)
}

// RoleSet returns the defined roles the caller holds.
func (a *AccessContext) RoleSet() RoleSet {
	var s RoleSet
	for _, name := range a.Roles {
		if r, ok := ParseRole(name); ok {
			s |= NewRoleSet(r)
		}
	}
	return s
}

// ResourceType is the kind of business resource being accessed.
type ResourceType uint8

// Resource types.
const (
	ResourceAPI ResourceType = iota
	ResourceDeal
	ResourceDocument
	ResourceAnalysis
	ResourceReport
	ResourceUser
)

// String returns the resource type's wire name.
func (t ResourceType) String() string {
	switch t {
	case ResourceDeal:
		return "deal"
	case ResourceDocument:
		return "document"
	case ResourceAnalysis:
		return "analysis"
	case ResourceReport:
		return "report"
	case ResourceUser:
		return "user"
	case ResourceAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Classification is the MNPI sensitivity tier of a resource.
type Classification uint8

// Classifications. ClassificationUnset defers to the configured default.
const (
	ClassificationUnset Classification = iota
	ClassificationPublic
	ClassificationInternal
	ClassificationConfidential
	ClassificationRestricted
)

// String returns the classification's wire name.
func (c Classification) String() string {
	switch c {
	case ClassificationPublic:
		return "public"
	case ClassificationInternal:
		return "internal"
	case ClassificationConfidential:
		return "confidential"
	case ClassificationRestricted:
		return "restricted"
	case ClassificationUnset:
		return ""
	default:
		return "unknown"
	}
}

// ParseClassification resolves a classification name case-insensitively.
func ParseClassification(s string) (Classification, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return ClassificationPublic, true
	case "internal":
		return ClassificationInternal, true
	case "confidential":
		return ClassificationConfidential, true
	case "restricted":
		return ClassificationRestricted, true
	default:
		return ClassificationUnset, false
	}
}

// RequiredPermission returns the permission a caller must hold to access
// information of this tier. Public information needs none.
func (c Classification) RequiredPermission() (Permission, bool) {
	switch c {
	case ClassificationInternal:
		return AccessMNPIInternal, true
	case ClassificationConfidential:
		return AccessMNPIConfidential, true
	case ClassificationRestricted:
		return AccessMNPIRestricted, true
	case ClassificationPublic, ClassificationUnset:
		return 0, false
	default:
		return AccessMNPIRestricted, true
	}
}

// ResourceContext describes the resource a request targets. It is not
// modified after it is built.
type ResourceContext struct {
	Type           ResourceType
	ID             string
	Classification Classification
	OwnerID        string
	Department     string
	Tags           map[string]string
}

// Attributes returns the resource as a plain map for policy context and
// attribute rules.
func (r *ResourceContext) Attributes() map[string]interface{} {
	tags := make(map[string]interface{}, len(r.Tags))
	for k, v := range r.Tags {
		tags[k] = v
	}
	return map[string]interface{}{
		"type":                r.Type.String(),
		"id":                  r.ID,
		"mnpi_classification": r.Classification.String(),
		"owner_id":            r.OwnerID,
		"department":          r.Department,
		"tags":                tags,
	}
}
