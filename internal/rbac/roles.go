package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleClient places calls.
	RoleClient     = "client"
	// RoleDeveloper answers calls and publishes presence.
	RoleDeveloper  = "developer"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleClient, RoleDeveloper, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
