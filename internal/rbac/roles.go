package rbac

// Role names carried in access tokens. Keep these stable.
const (
	RoleViewer     = "viewer"   // read sessions, transcripts, stats
	RoleOperator   = "operator" // plus synthesize / transcribe
	RoleAdmin      = "admin"    // plus terminate sessions
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// rank orders the tenant roles; unknown roles rank zero.
var rank = map[string]int{
	RoleViewer:     1,
	RoleOperator:   2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// AtLeast reports whether role grants everything min grants.
func AtLeast(role, min string) bool {
	r, ok := rank[role]
	return ok && r >= rank[min]
}
