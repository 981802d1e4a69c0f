package backendfakes

import (
	"context"
	"sync"

	"github.com/portalwerk/portal-core/backend"
)

var (
	_ backend.ProfileLookup  = (*FakeProfileLookup)(nil)
	_ backend.ProfileDetails = (*FakeProfileLookup)(nil)
)

// FakeProfileLookup is an in-memory profile table. A user id without an entry
// resolves to an empty role, the "profile row not written yet" case.
type FakeProfileLookup struct {
	lock  sync.RWMutex
	roles map[string]string
	names map[string]string
	err   error
}

func NewFakeProfileLookup() *FakeProfileLookup {
	return &FakeProfileLookup{
		roles: make(map[string]string),
		names: make(map[string]string),
	}
}

func (p *FakeProfileLookup) GetRole(ctx context.Context, userID string) (string, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.err != nil {
		return "", p.err
	}
	return p.roles[userID], nil
}

func (p *FakeProfileLookup) GetDisplayName(ctx context.Context, userID string) (string, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.err != nil {
		return "", p.err
	}
	return p.names[userID], nil
}

func (p *FakeProfileLookup) SetRole(userID, role string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.roles[userID] = role
}

func (p *FakeProfileLookup) SetDisplayName(userID, name string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.names[userID] = name
}

func (p *FakeProfileLookup) SetErr(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.err = err
}
