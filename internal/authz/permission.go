package authz

import (
	"math/bits"
	"strings"
)

// Permission is a capability an authenticated principal may hold.
type Permission uint8

// Permissions.
const (
	ReadDeals Permission = iota
	WriteDeals
	DeleteDeals
	RunAnalysis
	ViewAnalysis
	ExportAnalysis
	UploadDocuments
	ViewDocuments
	DeleteDocuments
	GenerateReports
	ViewReports
	ExportReports
	ManageUsers
	ViewSystemLogs
	ManageSystemConfig
	AccessMNPIInternal
	AccessMNPIConfidential
	AccessMNPIRestricted
	ManageMNPIClassification

	permissionCount
)

var permissionNames = [permissionCount]string{
	ReadDeals:                "read_deals",
	WriteDeals:               "write_deals",
	DeleteDeals:              "delete_deals",
	RunAnalysis:              "run_analysis",
	ViewAnalysis:             "view_analysis",
	ExportAnalysis:           "export_analysis",
	UploadDocuments:          "upload_documents",
	ViewDocuments:            "view_documents",
	DeleteDocuments:          "delete_documents",
	GenerateReports:          "generate_reports",
	ViewReports:              "view_reports",
	ExportReports:            "export_reports",
	ManageUsers:              "manage_users",
	ViewSystemLogs:           "view_system_logs",
	ManageSystemConfig:       "manage_system_config",
	AccessMNPIInternal:       "access_mnpi_internal",
	AccessMNPIConfidential:   "access_mnpi_confidential",
	AccessMNPIRestricted:     "access_mnpi_restricted",
	ManageMNPIClassification: "manage_mnpi_classification",
}

// String returns the permission's wire name.
func (p Permission) String() string {
	if p >= permissionCount {
		return "unknown"
	}
	return permissionNames[p]
}

// Valid reports whether p is a defined permission.
func (p Permission) Valid() bool {
	return p < permissionCount
}

// ParsePermission resolves a wire name such as "read_deals".
func ParsePermission(s string) (Permission, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range permissionNames {
		if name == s {
			return Permission(i), true
		}
	}
	return 0, false
}

// AllPermissions returns every defined permission in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, permissionCount)
	for i := range out {
		out[i] = Permission(i)
	}
	return out
}

// PermissionSet is an immutable set of permissions.
type PermissionSet uint32

// NewPermissionSet builds a set from ps.
func NewPermissionSet(ps ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range ps {
		if p.Valid() {
			s |= 1 << p
		}
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	return p.Valid() && s&(1<<p) != 0
}

// Union returns the union of s and o.
func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	return s | o
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	return bits.OnesCount32(uint32(s))
}

// Permissions lists the set in declaration order.
func (s PermissionSet) Permissions() []Permission {
	out := make([]Permission, 0, s.Len())
	for p := Permission(0); p < permissionCount; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Strings lists the wire names of the set in declaration order.
func (s PermissionSet) Strings() []string {
	ps := s.Permissions()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// Role is a named bundle of permissions.
type Role uint8

// Roles.
const (
	RoleViewer Role = iota
	RoleAnalyst
	RoleSeniorAnalyst
	RolePortfolioManager
	RoleComplianceOfficer
	RoleAdmin
	RoleSystem

	roleCount
)

var roleNames = [roleCount]string{
	RoleViewer:            "viewer",
	RoleAnalyst:           "analyst",
	RoleSeniorAnalyst:     "senior_analyst",
	RolePortfolioManager:  "portfolio_manager",
	RoleComplianceOfficer: "compliance_officer",
	RoleAdmin:             "admin",
	RoleSystem:            "system",
}

// String returns the role's wire name.
func (r Role) String() string {
	if r >= roleCount {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole resolves a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range roleNames {
		if name == s {
			return Role(i), true
		}
	}
	return 0, false
}

// AllRoles returns every defined role in declaration order.
func AllRoles() []Role {
	out := make([]Role, roleCount)
	for i := range out {
		out[i] = Role(i)
	}
	return out
}
