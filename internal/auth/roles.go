package auth

// Role represents an operator role.
type Role string

const (
	// RoleViewer may read nodes, alerts and the change stream.
	RoleViewer Role = "viewer"
	// RoleOperator may also handle alerts.
	RoleOperator Role = "operator"
	// RoleAdmin may also export audit trails.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
