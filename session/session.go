// Package session holds the process-wide notion of "who is logged in, with
// what role". The Store is the single writer of that state: it resolves the
// account store's session on start-up, reacts to auth events, and owns the
// redirect policy that moves a freshly signed-in user off the public screens.
// Guards and screens are read-only consumers via OnSessionChange.
package session

import (
	"github.com/portalwerk/portal-core/backend"
)

// Identity is the application-level user record derived from a Session. It is
// resolved lazily from the profile collaborator and cached alongside the
// session; it is not part of the session itself.
type Identity struct {
	UserID      string
	Role        Role
	DisplayName string
}

// Snapshot is the state delivered to session-change listeners. Resolved is
// false only before the first backend round trip completes; a nil Session on
// a resolved snapshot means "unauthenticated", which is distinct from the
// initial loading phase.
type Snapshot struct {
	Resolved bool
	Session  *backend.Session
	Identity *Identity
}

// SignedIn reports whether the snapshot carries a live session.
func (s Snapshot) SignedIn() bool {
	return s.Resolved && s.Session != nil
}
