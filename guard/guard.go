// Package guard implements the role-gated access check applied before a
// protected screen renders. A Guard is a three-state machine driven solely by
// session changes and its static required-role set: it starts Loading, moves
// to Allowed or Denied once the session store has resolved, and never moves
// back to Loading. Redirecting during Loading is explicitly disallowed; that
// is the source of the redirect-flicker bugs this package exists to prevent.
package guard

import (
	"sync"

	"github.com/portalwerk/portal-core/nav"
	"github.com/portalwerk/portal-core/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the guard's resolution state for the current navigation.
type State int

const (
	// Loading means the session store has not completed its first resolution.
	// The screen renders a neutral waiting indicator and no redirect fires.
	Loading State = iota
	// Allowed means a session is present and its role is permitted.
	Allowed
	// Denied is terminal for this navigation: the guard has redirected to
	// login (no session) or to the role's home (wrong role).
	Denied
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Guard gates one protected screen. An empty required-role set means "any
// authenticated user".
type Guard struct {
	store     *session.Store
	navigator nav.Navigator
	required  map[session.Role]struct{}
	logger    zerolog.Logger

	lock    sync.Mutex
	state   State
	onState func(State)
	unsub   func()
}

// GuardOption modifies a Guard instance.
type GuardOption func(*Guard)

// WithStateFunc registers a hook invoked on every state transition; the
// render layer uses it to swap between waiting indicator and content.
func WithStateFunc(fn func(State)) GuardOption {
	return func(g *Guard) {
		g.onState = fn
	}
}

// WithLogger sets the guard's logger.
func WithLogger(logger zerolog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New creates a guard for a screen requiring one of the given roles.
func New(store *session.Store, navigator nav.Navigator, required []session.Role, options ...GuardOption) *Guard {
	g := &Guard{
		store:     store,
		navigator: navigator,
		required:  make(map[session.Role]struct{}, len(required)),
		logger:    log.Logger,
		state:     Loading,
	}
	for _, r := range required {
		g.required[r] = struct{}{}
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Mount attaches the guard to the session store. The eager session-change
// delivery evaluates the current state immediately when resolution has
// already completed.
func (g *Guard) Mount() {
	g.unsub = g.store.OnSessionChange(g.evaluate)
}

// Unmount detaches the guard. The state is left as-is; a remount starts a new
// navigation.
func (g *Guard) Unmount() {
	if g.unsub != nil {
		g.unsub()
		g.unsub = nil
	}
}

// State returns the current resolution state.
func (g *Guard) State() State {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.state
}

func (g *Guard) evaluate(snap session.Snapshot) {
	if !snap.Resolved {
		// Still loading; no decision, no redirect.
		return
	}

	next := Allowed
	redirect := ""
	switch {
	case snap.Session == nil || snap.Identity == nil:
		next = Denied
		redirect = nav.RouteLogin
	case len(g.required) > 0:
		if _, ok := g.required[snap.Identity.Role]; !ok {
			next = Denied
			redirect = snap.Identity.Role.HomeRoute()
		}
	}

	g.lock.Lock()
	prev := g.state
	g.state = next
	hook := g.onState
	g.lock.Unlock()

	if prev == next {
		return
	}
	g.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("guard: state transition")
	if hook != nil {
		hook(next)
	}
	if next == Denied && g.navigator.Current() != redirect {
		g.navigator.NavigateTo(redirect)
	}
}
