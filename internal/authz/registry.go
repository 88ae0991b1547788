package authz

import (
	"fmt"
)

// RoleSet is an immutable set of roles.
type RoleSet uint16

// NewRoleSet builds a set from rs.
func NewRoleSet(rs ...Role) RoleSet {
	var s RoleSet
	for _, r := range rs {
		if r < roleCount {
			s |= 1 << r
		}
	}
	return s
}

// ParseRoleSet builds a set from role names, failing on the first unknown name.
func ParseRoleSet(names []string) (RoleSet, error) {
	var s RoleSet
	for _, n := range names {
		r, ok := ParseRole(n)
		if !ok {
			return 0, fmt.Errorf("unknown role %q", n)
		}
		s |= 1 << r
	}
	return s, nil
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	return r < roleCount && s&(1<<r) != 0
}

// Intersects reports whether the sets share a role.
func (s RoleSet) Intersects(o RoleSet) bool {
	return s&o != 0
}

// Registry maps roles to the permissions they grant. It is built once and
// never modified, so it can be shared between goroutines without locking.
type Registry struct {
	grants [roleCount]PermissionSet
}

// NewRegistry builds a registry from table. Roles missing from table grant
// nothing.
func NewRegistry(table map[Role][]Permission) (*Registry, error) {
	reg := &Registry{}
	for role, perms := range table {
		if role >= roleCount {
			return nil, fmt.Errorf("unknown role %d", role)
		}
		for _, p := range perms {
			if !p.Valid() {
				return nil, fmt.Errorf("role %s: unknown permission %d", role, p)
			}
		}
		reg.grants[role] = NewPermissionSet(perms...)
	}
	return reg, nil
}

// NewRegistryFromNames builds a registry from role and permission names,
// starting from the default table and replacing the roles named in overrides.
func NewRegistryFromNames(overrides map[string][]string) (*Registry, error) {
	table := DefaultRolePermissions()
	for roleName, permNames := range overrides {
		role, ok := ParseRole(roleName)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", roleName)
		}
		perms := make([]Permission, 0, len(permNames))
		for _, n := range permNames {
			p, ok := ParsePermission(n)
			if !ok {
				return nil, fmt.Errorf("role %s: unknown permission %q", roleName, n)
			}
			perms = append(perms, p)
		}
		table[role] = perms
	}
	return NewRegistry(table)
}

// DefaultRegistry returns a registry built from DefaultRolePermissions.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(DefaultRolePermissions())
	if err != nil {
		panic(err)
	}
	return reg
}

// Permissions returns the permissions granted by a single role.
func (r *Registry) Permissions(role Role) PermissionSet {
	if role >= roleCount {
		return 0
	}
	return r.grants[role]
}

// Granted returns the union of the permissions granted by roles. Role names
// that are not defined contribute nothing and are returned as unknown.
func (r *Registry) Granted(roles []string) (granted PermissionSet, unknown []string) {
	for _, name := range roles {
		role, ok := ParseRole(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		granted = granted.Union(r.grants[role])
	}
	return granted, unknown
}

// DefaultRolePermissions returns a fresh copy of the built-in role table.
func DefaultRolePermissions() map[Role][]Permission {
	viewer := []Permission{ReadDeals, ViewAnalysis, ViewDocuments, ViewReports}

	analyst := append(append([]Permission{}, viewer...),
		WriteDeals,
		RunAnalysis,
		ExportAnalysis,
		UploadDocuments,
		GenerateReports,
		ExportReports,
		AccessMNPIInternal,
	)

	senior := append(append([]Permission{}, analyst...),
		DeleteDeals,
		DeleteDocuments,
		AccessMNPIConfidential,
	)

	pm := append(append([]Permission{}, senior...), AccessMNPIRestricted)

	compliance := []Permission{
		ReadDeals,
		ViewAnalysis,
		ExportAnalysis,
		ViewDocuments,
		ViewReports,
		ExportReports,
		ViewSystemLogs,
		AccessMNPIInternal,
		AccessMNPIConfidential,
		AccessMNPIRestricted,
		ManageMNPIClassification,
	}

	return map[Role][]Permission{
		RoleViewer:            viewer,
		RoleAnalyst:           analyst,
		RoleSeniorAnalyst:     senior,
		RolePortfolioManager:  pm,
		RoleComplianceOfficer: compliance,
		RoleAdmin:             AllPermissions(),
		RoleSystem:            AllPermissions(),
	}
}
