package types

// Roles a marketplace user can hold
const (
	RoleClient = "client"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// SystemActor is recorded as changed_by for transitions nobody requested
const SystemActor = "system"

// ValidRole reports whether role is one of the known roles
func ValidRole(role string) bool {
	switch role {
	case RoleClient, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Principal is the authenticated caller of a request
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Anonymous reports whether the request carried no valid token
func (p Principal) Anonymous() bool {
	return p.UserID == ""
}
