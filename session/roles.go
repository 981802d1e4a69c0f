package session

import "github.com/portalwerk/portal-core/nav"

// Role is the application-level role resolved from a profile record. The set
// is closed; anything else coming back from a profile row is treated as the
// default role.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleMitarbeiter Role = "mitarbeiter"
	RoleKunde       Role = "kunde"
	RoleUser        Role = "user"
)

// DefaultRole is the least-privileged role. It is used whenever no profile
// row exists yet: new sign-ups race the profile-creation write, and locking
// those users out would be worse than briefly under-privileging them.
const DefaultRole = RoleUser

// ParseRole maps a raw profile value onto the closed role set.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleAdmin, RoleMitarbeiter, RoleKunde, RoleUser:
		return Role(raw), true
	}
	return "", false
}

// HomeRoute returns the portal home screen for the role. kunde and user share
// the customer portal.
func (r Role) HomeRoute() string {
	switch r {
	case RoleAdmin:
		return nav.RouteAdminHome
	case RoleMitarbeiter:
		return nav.RouteEmployeeHome
	default:
		return nav.RouteCustomerHome
	}
}
