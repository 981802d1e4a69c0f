// Package oidcauth implements the account-store contract against a hosted
// OIDC identity provider. The outer web layer runs the authorization-code
// flow and hands the resulting token in via SetToken; from then on the store
// owns refresh (through the oauth2 token source) and revocation on sign-out.
package oidcauth

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var _ backend.AccountStore = (*Store)(nil)

// Store is an AccountStore over an OIDC provider.
type Store struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauthCfg *oauth2.Config
	logger   zerolog.Logger

	lock        sync.Mutex
	tokenSource oauth2.TokenSource
	lastToken   string
	userID      string
	listeners   map[uint64]func(backend.AuthEvent)
	nextID      uint64
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New discovers the provider and prepares the verifier.
func New(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, options ...StoreOption) (*Store, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[oidcauth.New] oidc.NewProvider")
	}
	s := &Store{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		logger:    log.Logger,
		listeners: make(map[uint64]func(backend.AuthEvent)),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// AuthCodeURL returns the provider's authorization URL for the outer web
// layer to redirect to.
func (s *Store) AuthCodeURL(state string) string {
	return s.oauthCfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token and installs it.
func (s *Store) Exchange(ctx context.Context, code string) error {
	tok, err := s.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "[Store.Exchange] oauthCfg.Exchange")
	}
	return s.SetToken(ctx, tok)
}

// SetToken installs a token obtained by the outer auth-code flow, verifies
// its ID token and emits a signed-in event.
func (s *Store) SetToken(ctx context.Context, tok *oauth2.Token) error {
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return errors.New("[Store.SetToken] token carries no id_token")
	}
	idToken, err := s.verifier.Verify(ctx, rawID)
	if err != nil {
		return errors.Wrap(err, "[Store.SetToken] verifier.Verify")
	}

	s.lock.Lock()
	s.tokenSource = s.oauthCfg.TokenSource(ctx, tok)
	s.lastToken = tok.AccessToken
	s.userID = idToken.Subject
	s.lock.Unlock()

	sess := &backend.Session{Token: tok.AccessToken, UserID: idToken.Subject, ExpiresAt: tok.Expiry}
	s.emit(backend.AuthEvent{Type: backend.AuthSignedIn, Session: sess})
	return nil
}

// GetSession returns the current session, refreshing the token when needed.
// A failed refresh is reported as an expired session.
func (s *Store) GetSession(ctx context.Context) (*backend.Session, error) {
	s.lock.Lock()
	ts := s.tokenSource
	userID := s.userID
	last := s.lastToken
	s.lock.Unlock()
	if ts == nil {
		return nil, nil
	}

	tok, err := ts.Token()
	if err != nil {
		s.clear()
		return nil, errors.Wrap(backend.ErrSessionExpired, err.Error())
	}

	if tok.AccessToken != last {
		s.lock.Lock()
		s.lastToken = tok.AccessToken
		s.lock.Unlock()
		sess := &backend.Session{Token: tok.AccessToken, UserID: userID, ExpiresAt: tok.Expiry}
		s.emit(backend.AuthEvent{Type: backend.AuthTokenRefreshed, Session: sess})
	}
	return &backend.Session{Token: tok.AccessToken, UserID: userID, ExpiresAt: tok.Expiry}, nil
}

// SignOut revokes the token at the provider and clears local state. A
// missing revocation endpoint only logs; the local session still ends.
func (s *Store) SignOut(ctx context.Context) error {
	s.lock.Lock()
	ts := s.tokenSource
	s.lock.Unlock()

	if ts != nil {
		if tok, err := ts.Token(); err == nil {
			s.revoke(ctx, tok.AccessToken)
		}
	}
	s.clear()
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

func (s *Store) clear() {
	s.lock.Lock()
	s.tokenSource = nil
	s.lastToken = ""
	s.userID = ""
	s.lock.Unlock()
}

func (s *Store) revoke(ctx context.Context, token string) {
	var claims struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := s.provider.Claims(&claims); err != nil || claims.RevocationEndpoint == "" {
		s.logger.Debug().Msg("oidcauth: provider exposes no revocation endpoint")
		return
	}
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", s.oauthCfg.ClientID)
	form.Set("client_secret", s.oauthCfg.ClientSecret)
	resp, err := http.PostForm(claims.RevocationEndpoint, form)
	if err != nil {
		s.logger.Warn().Err(err).Msg("oidcauth: token revocation failed")
		return
	}
	resp.Body.Close()
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
