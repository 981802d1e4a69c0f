package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/nav"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type listener struct {
	id uint64
	fn func(Snapshot)
}

// Store is the single source of truth for the current session and identity.
// There is exactly one Store per process; it is the only writer of session
// state, driven by the account store's auth events and its own methods.
type Store struct {
	accounts  backend.AccountStore
	profiles  backend.ProfileLookup
	navigator nav.Navigator
	logger    zerolog.Logger
	nowFunc   func() time.Time

	// applyLock serializes state transitions so listeners observe changes in
	// a single total order, callbacks fired in registration order.
	applyLock sync.Mutex

	lock       sync.Mutex
	resolved   bool
	current    *backend.Session
	identity   *Identity
	listeners  []listener
	nextListID uint64

	closers      map[uint64]func() error
	nextCloserID uint64

	baseCtx   context.Context
	unsubAuth backend.UnsubscribeFunc
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithLogger sets the logger used for recovered errors and lifecycle events.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNowFunc sets the time source (primarily for testing).
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// NewStore creates the session store. Start must be called before the store
// reports anything other than the loading phase.
func NewStore(accounts backend.AccountStore, profiles backend.ProfileLookup, navigator nav.Navigator, options ...StoreOption) (*Store, error) {
	if accounts == nil {
		return nil, errors.New("[NewStore] account store is required")
	}
	if profiles == nil {
		return nil, errors.New("[NewStore] profile lookup is required")
	}
	if navigator == nil {
		return nil, errors.New("[NewStore] navigator is required")
	}
	s := &Store{
		accounts:  accounts,
		profiles:  profiles,
		navigator: navigator,
		logger:    log.Logger,
		nowFunc:   time.Now,
		closers:   make(map[uint64]func() error),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Start performs the initial session round trip, resolves the identity and
// hooks the account store's auth events. Listeners registered before Start
// completes receive their eager delivery once the round trip finishes. A
// lookup failure still resolves the store (to "unauthenticated") so the UI
// never hangs in the loading phase; the error is returned for the caller to
// surface.
func (s *Store) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.baseCtx != nil {
		s.lock.Unlock()
		return errors.New("[Store.Start] already started")
	}
	s.baseCtx = ctx
	s.lock.Unlock()

	sess, err := s.accounts.GetSession(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrSessionExpired) {
			sess, err = nil, nil
		} else {
			s.logger.Error().Err(err).Msg("session: initial resolution failed")
			sess = nil
		}
	}

	s.unsubAuth = s.accounts.OnAuthEvent(s.handleAuthEvent)

	evType := backend.AuthSignedIn
	if sess == nil {
		// Initial "nobody signed in" is not a sign-out event; the guard
		// decides whether the current screen needs a redirect.
		evType = ""
	}
	s.apply(evType, sess)

	if err != nil {
		return errors.Wrap(err, "[Store.Start] accounts.GetSession")
	}
	return nil
}

// Stop detaches the store from the account store's auth events.
func (s *Store) Stop() {
	if s.unsubAuth != nil {
		s.unsubAuth()
	}
}

// Resolved reports whether the first backend round trip has completed.
func (s *Store) Resolved() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.resolved
}

// CurrentSession returns the current session, or nil when unauthenticated or
// still loading.
func (s *Store) CurrentSession() *backend.Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

// CurrentIdentity returns the identity resolved for the current session, or
// nil when there is none.
func (s *Store) CurrentIdentity() *Identity {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.identity
}

// Snapshot returns the current state as delivered to listeners.
func (s *Store) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return Snapshot{Resolved: s.resolved, Session: s.current, Identity: s.identity}
}

// OnSessionChange registers a listener. Listeners fire in registration order
// on sign-in, sign-out and token refresh. If the first resolution has already
// completed the listener also fires once, eagerly, with the current state.
func (s *Store) OnSessionChange(cb func(Snapshot)) backend.UnsubscribeFunc {
	s.lock.Lock()
	s.nextListID++
	id := s.nextListID
	s.listeners = append(s.listeners, listener{id: id, fn: cb})
	snap := Snapshot{Resolved: s.resolved, Session: s.current, Identity: s.identity}
	s.lock.Unlock()

	if snap.Resolved {
		cb(snap)
	}

	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// ResolveRole resolves the role for a user id. Resolution is total: a lookup
// failure or a missing profile row yields the default role rather than
// failing the session, so a valid session always carries some identity.
func (s *Store) ResolveRole(ctx context.Context, userID string) Role {
	raw, err := s.profiles.GetRole(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("session: profile lookup failed, using default role")
		return DefaultRole
	}
	if raw == "" {
		// Profile row not written yet; new sign-ups race the profile insert.
		return DefaultRole
	}
	role, ok := ParseRole(raw)
	if !ok {
		s.logger.Warn().Str("user_id", userID).Str("role", raw).Msg("session: unknown role in profile, using default")
		return DefaultRole
	}
	return role
}

// SignOut invalidates the token with the account store, closes every
// registered live subscription, clears local state and redirects to the
// login screen. An account-store failure is returned without touching local
// state.
func (s *Store) SignOut(ctx context.Context) error {
	if err := s.accounts.SignOut(ctx); err != nil {
		return errors.Wrap(err, "[Store.SignOut] accounts.SignOut")
	}
	s.closeAllSubscriptions()
	s.apply(backend.AuthSignedOut, nil)
	return nil
}

// Refresh re-fetches the session and re-resolves the identity. Used after a
// server-side role change so the running session picks up the new role
// without a re-login. A fetch failure is returned without touching local
// state.
func (s *Store) Refresh(ctx context.Context) error {
	sess, err := s.accounts.GetSession(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrSessionExpired) {
			s.closeAllSubscriptions()
			s.apply(backend.AuthSignedOut, nil)
			return nil
		}
		return errors.Wrap(err, "[Store.Refresh] accounts.GetSession")
	}
	if sess == nil {
		s.closeAllSubscriptions()
		s.apply(backend.AuthSignedOut, nil)
		return nil
	}
	s.apply(backend.AuthTokenRefreshed, sess)
	return nil
}

// RegisterCloser registers a close function to be invoked when the session
// ends, letting SignOut cancel every open change subscription process-wide
// before redirecting. The returned release removes the registration.
func (s *Store) RegisterCloser(close func() error) (release func()) {
	s.lock.Lock()
	s.nextCloserID++
	id := s.nextCloserID
	s.closers[id] = close
	s.lock.Unlock()
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.closers, id)
	}
}

func (s *Store) closeAllSubscriptions() {
	s.lock.Lock()
	closers := make([]func() error, 0, len(s.closers))
	for _, c := range s.closers {
		closers = append(closers, c)
	}
	s.closers = make(map[uint64]func() error)
	s.lock.Unlock()

	for _, c := range closers {
		if err := c(); err != nil {
			s.logger.Warn().Err(err).Msg("session: failed to close subscription on sign-out")
		}
	}
}

func (s *Store) handleAuthEvent(ev backend.AuthEvent) {
	switch ev.Type {
	case backend.AuthSignedOut:
		s.closeAllSubscriptions()
		s.apply(backend.AuthSignedOut, nil)
	case backend.AuthSignedIn, backend.AuthTokenRefreshed:
		s.apply(ev.Type, ev.Session)
	}
}

// apply installs the new session state, notifies listeners in registration
// order and runs the redirect policy. Transitions are serialized so a burst
// of auth events cannot interleave their notifications.
func (s *Store) apply(evType backend.AuthEventType, sess *backend.Session) {
	s.applyLock.Lock()
	defer s.applyLock.Unlock()

	if sess != nil && sess.Expired(s.nowFunc()) {
		// An expired token is treated identically to a sign-out.
		evType = backend.AuthSignedOut
		sess = nil
	}

	var ident *Identity
	if sess != nil {
		ident = s.resolveIdentity(sess)
	}

	s.lock.Lock()
	alreadySignedOut := s.resolved && s.current == nil && sess == nil
	s.resolved = true
	s.current = sess
	s.identity = ident
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	snap := Snapshot{Resolved: true, Session: sess, Identity: ident}
	s.lock.Unlock()

	if alreadySignedOut && evType == backend.AuthSignedOut {
		// SignOut already applied this transition; the account store's own
		// signed-out event must not redirect a second time.
		return
	}

	for _, l := range ls {
		l.fn(snap)
	}

	switch {
	case evType == backend.AuthSignedOut:
		// A mounted guard may have redirected already while being notified.
		if s.navigator.Current() != nav.RouteLogin {
			s.navigator.NavigateTo(nav.RouteLogin)
		}
	case sess != nil && ident != nil && nav.PublicOnly(s.navigator.Current()):
		s.navigator.NavigateTo(ident.Role.HomeRoute())
	}
}

func (s *Store) resolveIdentity(sess *backend.Session) *Identity {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ident := &Identity{
		UserID: sess.UserID,
		Role:   s.ResolveRole(ctx, sess.UserID),
	}
	if details, ok := s.profiles.(backend.ProfileDetails); ok {
		name, err := details.GetDisplayName(ctx, sess.UserID)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("session: display name lookup failed")
		} else {
			ident.DisplayName = name
		}
	}
	return ident
}
