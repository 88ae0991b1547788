package authz

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// Claims is the read-only view of validated token claims the mapper needs.
type Claims interface {
	// StringClaim returns a string claim, or "" when absent or not a string.
	StringClaim(name string) string
	// StringListClaim returns a list claim. A scalar string is a one-element
	// list; absent or non-string values yield nil.
	StringListClaim(name string) []string
}

// ClaimNames names the claims read by the mapper.
type ClaimNames struct {
	Subject    string
	ObjectID   string
	Email      string
	Username   string
	Roles      string
	AppRoles   string
	Groups     string
	Department string
	Clearance  string
	Location   string
}

// DefaultClaimNames returns the claim names used by Azure AD and internal tokens.
func DefaultClaimNames() ClaimNames {
	return ClaimNames{
		Subject:    "sub",
		ObjectID:   "oid",
		Email:      "email",
		Username:   "preferred_username",
		Roles:      "roles",
		AppRoles:   "app_roles",
		Groups:     "groups",
		Department: "department",
		Clearance:  "security_clearance",
		Location:   "location",
	}
}

// RequestMetadata is informational data about the inbound request.
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	Time      time.Time
}

// ClaimsMapper builds an AccessContext from validated claims.
type ClaimsMapper struct {
	names      ClaimNames
	groupRoles map[string]string
	logger     observability.Logger
}

// MapperOption configures a ClaimsMapper.
type MapperOption func(*ClaimsMapper)

// WithMapperLogger sets the mapper logger.
func WithMapperLogger(logger observability.Logger) MapperOption {
	return func(m *ClaimsMapper) { m.logger = logger }
}

// WithGroupRoles sets the directory group to role mapping. Group names are
// matched case-insensitively.
func WithGroupRoles(groupRoles map[string]string) MapperOption {
	return func(m *ClaimsMapper) {
		m.groupRoles = make(map[string]string, len(groupRoles))
		for g, r := range groupRoles {
			m.groupRoles[fold(g)] = fold(r)
		}
	}
}

// NewClaimsMapper creates a ClaimsMapper.
func NewClaimsMapper(names ClaimNames, opts ...MapperOption) *ClaimsMapper {
	m := &ClaimsMapper{
		names:      names,
		groupRoles: map[string]string{},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ToAccessContext maps claims to an AccessContext. A token without a user
// id or email fails with an AuthorizationError.
func (m *ClaimsMapper) ToAccessContext(c Claims, meta RequestMetadata) (*AccessContext, error) {
	userID := firstNonEmpty(c.StringClaim(m.names.Subject), c.StringClaim(m.names.ObjectID))
	email := firstNonEmpty(c.StringClaim(m.names.Email), c.StringClaim(m.names.Username))
	if userID == "" || email == "" {
		return nil, NewAuthorizationError("token missing required user identification")
	}

	roles := newOrderedSet()
	for _, r := range c.StringListClaim(m.names.Roles) {
		roles.add(fold(r))
	}
	for _, r := range c.StringListClaim(m.names.AppRoles) {
		roles.add(fold(r))
	}
	for _, g := range c.StringListClaim(m.names.Groups) {
		if role, ok := m.groupRoles[fold(g)]; ok {
			roles.add(role)
		}
	}
	if roles.len() == 0 {
		roles.add(RoleViewer.String())
	}

	departments := newOrderedSet()
	for _, d := range c.StringListClaim(m.names.Department) {
		departments.add(strings.TrimSpace(d))
	}

	requestTime := meta.Time
	if requestTime.IsZero() {
		requestTime = time.Now().UTC()
	}

	ac := &AccessContext{
		UserID:      userID,
		Email:       email,
		Roles:       roles.values(),
		Departments: departments.values(),
		Clearance:   c.StringClaim(m.names.Clearance),
		Location:    c.StringClaim(m.names.Location),
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		RequestTime: requestTime,
	}

	m.logger.Debug("access context built",
		observability.String("user_id", ac.UserID),
		observability.Strings("roles", ac.Roles),
		observability.Strings("departments", ac.Departments),
	)
	return ac, nil
}

// fold case-folds s. A Caser is stateful, so one is created per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type orderedSet struct {
	seen  map[string]bool
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}}
}

func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.order = append(s.order, v)
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) values() []string {
	if len(s.order) == 0 {
		return []string{}
	}
	return s.order
}
