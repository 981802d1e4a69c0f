// Package backendfakes provides in-memory collaborator fakes. Tests and dev
// wiring substitute them for the hosted backend; the row store fake behaves
// like the real thing in one important way: every confirmed mutation emits a
// change event to matching subscriptions.
package backendfakes

import (
	"context"
	"sync"

	"github.com/portalwerk/portal-core/backend"
)

var _ backend.AccountStore = (*FakeAccountStore)(nil)

// FakeAccountStore is a scripted account store. Tests drive it through
// EmitSignIn / EmitSignOut / EmitRefresh and the error setters.
type FakeAccountStore struct {
	lock       sync.Mutex
	session    *backend.Session
	getErr     error
	signOutErr error
	listeners  map[uint64]func(backend.AuthEvent)
	nextID     uint64
	getCalls   int
}

func NewFakeAccountStore() *FakeAccountStore {
	return &FakeAccountStore{listeners: make(map[uint64]func(backend.AuthEvent))}
}

func (a *FakeAccountStore) GetSession(ctx context.Context) (*backend.Session, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.getCalls++
	if a.getErr != nil {
		return nil, a.getErr
	}
	return a.session, nil
}

func (a *FakeAccountStore) OnAuthEvent(cb func(backend.AuthEvent)) backend.UnsubscribeFunc {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = cb
	return func() {
		a.lock.Lock()
		defer a.lock.Unlock()
		delete(a.listeners, id)
	}
}

func (a *FakeAccountStore) SignOut(ctx context.Context) error {
	a.lock.Lock()
	if a.signOutErr != nil {
		err := a.signOutErr
		a.lock.Unlock()
		return err
	}
	a.session = nil
	a.lock.Unlock()
	a.emit(backend.AuthEvent{Type: backend.AuthSignedOut})
	return nil
}

// SetSession installs a session without emitting an event, for seeding state
// before Start.
func (a *FakeAccountStore) SetSession(sess *backend.Session) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.session = sess
}

func (a *FakeAccountStore) SetGetSessionErr(err error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.getErr = err
}

func (a *FakeAccountStore) SetSignOutErr(err error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.signOutErr = err
}

// GetSessionCalls reports how many round trips callers performed.
func (a *FakeAccountStore) GetSessionCalls() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.getCalls
}

// EmitSignIn installs the session and fires a signed-in event.
func (a *FakeAccountStore) EmitSignIn(sess *backend.Session) {
	a.lock.Lock()
	a.session = sess
	a.lock.Unlock()
	a.emit(backend.AuthEvent{Type: backend.AuthSignedIn, Session: sess})
}

// EmitRefresh installs the session and fires a token-refreshed event.
func (a *FakeAccountStore) EmitRefresh(sess *backend.Session) {
	a.lock.Lock()
	a.session = sess
	a.lock.Unlock()
	a.emit(backend.AuthEvent{Type: backend.AuthTokenRefreshed, Session: sess})
}

// EmitSignOut clears the session and fires a signed-out event.
func (a *FakeAccountStore) EmitSignOut() {
	a.lock.Lock()
	a.session = nil
	a.lock.Unlock()
	a.emit(backend.AuthEvent{Type: backend.AuthSignedOut})
}

func (a *FakeAccountStore) emit(ev backend.AuthEvent) {
	a.lock.Lock()
	cbs := make([]func(backend.AuthEvent), 0, len(a.listeners))
	for _, cb := range a.listeners {
		cbs = append(cbs, cb)
	}
	a.lock.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}
