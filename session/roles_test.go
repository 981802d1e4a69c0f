package session_test

import (
	"testing"

	"github.com/portalwerk/portal-core/nav"
	"github.com/portalwerk/portal-core/session"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, raw := range []string{"admin", "mitarbeiter", "kunde", "user"} {
		role, ok := session.ParseRole(raw)
		require.True(t, ok, raw)
		require.Equal(t, raw, string(role))
	}

	_, ok := session.ParseRole("superuser")
	require.False(t, ok)
	_, ok = session.ParseRole("Admin")
	require.False(t, ok)
}

func TestHomeRoute(t *testing.T) {
	require.Equal(t, nav.RouteAdminHome, session.RoleAdmin.HomeRoute())
	require.Equal(t, nav.RouteEmployeeHome, session.RoleMitarbeiter.HomeRoute())
	require.Equal(t, nav.RouteCustomerHome, session.RoleKunde.HomeRoute())
	require.Equal(t, nav.RouteCustomerHome, session.RoleUser.HomeRoute())
}
