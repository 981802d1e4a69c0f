package navfakes

import (
	"sync"

	"github.com/portalwerk/portal-core/nav"
)

var _ nav.Navigator = (*FakeNavigator)(nil)

// FakeNavigator records navigations for assertions in tests.
type FakeNavigator struct {
	lock    sync.Mutex
	current string
	history []string
}

func NewFakeNavigator(start string) *FakeNavigator {
	return &FakeNavigator{current: start}
}

func (n *FakeNavigator) Current() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.current
}

func (n *FakeNavigator) NavigateTo(path string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.current = path
	n.history = append(n.history, path)
}

// History returns every navigation performed so far, oldest first.
func (n *FakeNavigator) History() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]string, len(n.history))
	copy(out, n.history)
	return out
}
