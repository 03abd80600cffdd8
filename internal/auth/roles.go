package auth

// Admin role constants.
const (
	RoleViewer     = "viewer"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// AllAdminRoles returns all valid admin roles.
func AllAdminRoles() []string {
	return []string{RoleViewer, RoleAdmin, RoleSuperAdmin}
}

// WriteRoles returns roles that can lift, extend or review blocks.
func WriteRoles() []string {
	return []string{RoleAdmin, RoleSuperAdmin}
}

// ReviewRoles returns roles that can decide escalated appeals.
func ReviewRoles() []string {
	return []string{RoleSuperAdmin}
}
