// Package nav holds the portal route table and the Navigator contract the
// redirect policy is written against. The host embeds its own navigation
// (browser history, view stack); the core only ever reads the current route
// and asks for a navigation.
package nav

// Navigator is implemented by the host's navigation layer.
type Navigator interface {
	Current() string
	NavigateTo(path string)
}

// Route path constants
// All portal routes are defined here to ensure consistency and prevent typos
const (
	// Public-only routes. A resolved session on one of these triggers the
	// redirect to the role's home portal.
	RouteLogin    = "/login"
	RouteRegister = "/register"

	// Portal home routes per role
	RouteAdminHome    = "/admin"
	RouteEmployeeHome = "/mitarbeiter"
	RouteCustomerHome = "/kunde"
)

// PublicOnly reports whether the path is one of the screens a signed-in user
// is redirected away from.
func PublicOnly(path string) bool {
	return path == RouteLogin || path == RouteRegister
}
