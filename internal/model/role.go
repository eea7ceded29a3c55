package model

// Role is an RBAC role carried in JWT claims. Roles nest: admin implies
// operator, operator implies viewer.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
	RoleViewer   Role = "VIEWER"
)

// FederationUser is the synthetic identity granted to probes that present
// the federation secret as a bearer token instead of a JWT.
const FederationUser = "federation_probe"

// Permission names gate individual endpoints; roles map to permission sets.
const (
	PermAdminRoles   = "admin:roles"
	PermAdminAudit   = "admin:audit"
	PermViewMetrics  = "view:metrics"
	PermMonitorNodes = "monitor:nodes"
	PermNodeCreate   = "write:node:create"
	PermNodeDelete   = "write:node:delete"
)

var rolePermissions = map[Role][]string{
	RoleViewer:   {PermViewMetrics, PermMonitorNodes},
	RoleOperator: {PermViewMetrics, PermMonitorNodes, PermNodeCreate},
	RoleAdmin:    {PermViewMetrics, PermMonitorNodes, PermNodeCreate, PermNodeDelete, PermAdminRoles, PermAdminAudit},
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Permissions returns the permission set for a role. The returned slice is
// shared; callers must not mutate it.
func Permissions(r Role) []string {
	return rolePermissions[r]
}

// HasPermission reports whether role r carries the named permission.
func HasPermission(r Role, perm string) bool {
	for _, p := range rolePermissions[r] {
		if p == perm {
			return true
		}
	}
	return false
}

// ParseRole maps a claim string onto a known role, defaulting to viewer for
// anything unrecognized so a malformed claim never escalates.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleOperator:
		return RoleOperator
	default:
		return RoleViewer
	}
}
