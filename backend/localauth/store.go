// Package localauth is a self-contained account store for development and
// integration tests: registered users with bcrypt password hashes, HS256
// session tokens with expiry, and auth-event fan-out. It also serves as the
// profile lookup, so a dev deployment needs no second collaborator.
package localauth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownUser        = errors.New("unknown user")
)

const defaultTokenTTL = 30 * time.Minute

type userRecord struct {
	id           string
	email        string
	displayName  string
	passwordHash string
	role         string
}

var (
	_ backend.AccountStore   = (*Store)(nil)
	_ backend.ProfileLookup  = (*Store)(nil)
	_ backend.ProfileDetails = (*Store)(nil)
)

// Store holds users, the current session and auth-event listeners.
type Store struct {
	signingKey []byte
	tokenTTL   time.Duration
	nowFunc    func() time.Time
	logger     zerolog.Logger

	lock         sync.Mutex
	usersByEmail map[string]*userRecord
	usersByID    map[string]*userRecord
	current      *backend.Session
	listeners    map[uint64]func(backend.AuthEvent)
	nextID       uint64
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithTokenTTL sets the session token lifetime.
func WithTokenTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.tokenTTL = ttl
	}
}

// WithNowFunc sets the time source (primarily for testing).
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a local account store signing tokens with the given key.
func New(signingKey []byte, options ...StoreOption) (*Store, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("[localauth.New] signing key is required")
	}
	s := &Store{
		signingKey:   signingKey,
		tokenTTL:     defaultTokenTTL,
		nowFunc:      time.Now,
		logger:       log.Logger,
		usersByEmail: make(map[string]*userRecord),
		usersByID:    make(map[string]*userRecord),
		listeners:    make(map[uint64]func(backend.AuthEvent)),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// RegisterUser adds a user and returns the generated user id. An empty role
// leaves the profile "not written yet"; the session layer falls back to its
// default role for such users.
func (s *Store) RegisterUser(email, password, role, displayName string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "[Store.RegisterUser] bcrypt.GenerateFromPassword")
	}
	rec := &userRecord{
		id:           uuid.New().String(),
		email:        email,
		displayName:  displayName,
		passwordHash: string(hash),
		role:         role,
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.usersByEmail[email]; exists {
		return "", errors.Errorf("[Store.RegisterUser] user %q already registered", email)
	}
	s.usersByEmail[email] = rec
	s.usersByID[rec.id] = rec
	return rec.id, nil
}

// SetRole updates a user's profile role server-side, e.g. an admin promoting
// a user. The running session picks it up on the next Refresh.
func (s *Store) SetRole(userID, role string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec, ok := s.usersByID[userID]
	if !ok {
		return errors.Wrapf(ErrUnknownUser, "[Store.SetRole] %q", userID)
	}
	rec.role = role
	return nil
}

// SignIn checks the credentials, issues a session token and emits a signed-in
// event.
func (s *Store) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	s.lock.Lock()
	rec, ok := s.usersByEmail[email]
	s.lock.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.passwordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.nowFunc()
	expires := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   rec.id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.New().String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.SignIn] token signing")
	}

	sess := &backend.Session{Token: token, UserID: rec.id, ExpiresAt: expires}
	s.lock.Lock()
	s.current = sess
	s.lock.Unlock()
	s.logger.Debug().Str("user_id", rec.id).Msg("localauth: signed in")
	s.emit(backend.AuthEvent{Type: backend.AuthSignedIn, Session: sess})
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context) (*backend.Session, error) {
	s.lock.Lock()
	sess := s.current
	s.lock.Unlock()
	if sess == nil {
		return nil, nil
	}
	if sess.Expired(s.nowFunc()) {
		s.lock.Lock()
		s.current = nil
		s.lock.Unlock()
		return nil, backend.ErrSessionExpired
	}
	return sess, nil
}

func (s *Store) SignOut(ctx context.Context) error {
	s.lock.Lock()
	s.current = nil
	s.lock.Unlock()
	s.emit(backend.AuthEvent{Type: backend.AuthSignedOut})
	return nil
}

func (s *Store) OnAuthEvent(cb func(backend.AuthEvent)) backend.UnsubscribeFunc {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = cb
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) GetRole(ctx context.Context, userID string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec, ok := s.usersByID[userID]
	if !ok {
		return "", nil
	}
	return rec.role, nil
}

func (s *Store) GetDisplayName(ctx context.Context, userID string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec, ok := s.usersByID[userID]
	if !ok {
		return "", nil
	}
	return rec.displayName, nil
}

// ParseToken validates a session token and returns the user id it was issued
// for.
func (s *Store) ParseToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(s.nowFunc))
	if err != nil {
		return "", errors.Wrap(err, "[Store.ParseToken] jwt.ParseWithClaims")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("[Store.ParseToken] missing subject")
	}
	return claims.Subject, nil
}

func (s *Store) emit(ev backend.AuthEvent) {
	s.lock.Lock()
	cbs := make([]func(backend.AuthEvent), 0, len(s.listeners))
	for _, cb := range s.listeners {
		cbs = append(cbs, cb)
	}
	s.lock.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}
