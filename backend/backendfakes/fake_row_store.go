package backendfakes

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
)

var _ backend.RowStore = (*FakeRowStore)(nil)

// FakeRowStore is an in-memory row store. Mutations emit change events to
// matching subscriptions, so a watcher wired against it observes the same
// mutate → event → refetch cycle as against the hosted backend. Queries can
// be held open to exercise unmount-mid-fetch behavior.
type FakeRowStore struct {
	lock        sync.Mutex
	tables      map[string][]backend.Row
	queryErr    error
	mutateErr   error
	queryGate   chan struct{}
	subs        map[uint64]*fakeSubscription
	nextSubID   uint64
	totalOpened int
	queryCalls  int
	openErr     error
}

func NewFakeRowStore() *FakeRowStore {
	return &FakeRowStore{
		tables: make(map[string][]backend.Row),
		subs:   make(map[uint64]*fakeSubscription),
	}
}

func (s *FakeRowStore) Query(ctx context.Context, table string, filter *backend.Filter) ([]backend.Row, error) {
	s.lock.Lock()
	gate := s.queryGate
	s.queryCalls++
	s.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(backend.ErrUnavailable, ctx.Err().Error())
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []backend.Row
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (s *FakeRowStore) Mutate(ctx context.Context, table string, op backend.Op, payload backend.Row) error {
	s.lock.Lock()
	if s.mutateErr != nil {
		err := s.mutateErr
		s.lock.Unlock()
		return err
	}

	row := copyRow(payload)
	id, _ := row["id"].(string)
	switch op {
	case backend.OpCreate:
		if id == "" {
			id = uuid.New().String()
			row["id"] = id
		}
		s.tables[table] = append(s.tables[table], row)
	case backend.OpUpdate:
		found := false
		for i, existing := range s.tables[table] {
			if existing["id"] == id {
				merged := copyRow(existing)
				for k, v := range row {
					merged[k] = v
				}
				s.tables[table][i] = merged
				row = merged
				found = true
				break
			}
		}
		if !found {
			s.lock.Unlock()
			return errors.Wrapf(backend.ErrValidation, "no row %q in %q", id, table)
		}
	case backend.OpDelete:
		kept := s.tables[table][:0]
		for _, existing := range s.tables[table] {
			if existing["id"] != id {
				kept = append(kept, existing)
			}
		}
		s.tables[table] = kept
	}
	s.lock.Unlock()

	s.EmitChange(backend.ChangeEvent{Table: table, Op: op, RowID: id, Row: row})
	return nil
}

func (s *FakeRowStore) Subscribe(table string, filter *backend.Filter, onEvent func(backend.ChangeEvent)) (backend.Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.nextSubID++
	s.totalOpened++
	sub := &fakeSubscription{store: s, id: s.nextSubID, table: table, filter: filter, onEvent: onEvent}
	s.subs[sub.id] = sub
	return sub, nil
}

// EmitChange delivers an event to every matching open subscription.
func (s *FakeRowStore) EmitChange(ev backend.ChangeEvent) {
	s.lock.Lock()
	var cbs []func(backend.ChangeEvent)
	for _, sub := range s.subs {
		if sub.table != ev.Table {
			continue
		}
		if ev.Row != nil && !sub.filter.Matches(ev.Row) {
			continue
		}
		cbs = append(cbs, sub.onEvent)
	}
	s.lock.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// Seed replaces a table's contents without emitting events.
func (s *FakeRowStore) Seed(table string, rows []backend.Row) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tables[table] = rows
}

// HoldQueries blocks every Query call until the returned release is invoked.
func (s *FakeRowStore) HoldQueries() (release func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	gate := make(chan struct{})
	s.queryGate = gate
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.queryGate == gate {
			s.queryGate = nil
		}
		close(gate)
	}
}

func (s *FakeRowStore) SetQueryErr(err error)     { s.lock.Lock(); defer s.lock.Unlock(); s.queryErr = err }
func (s *FakeRowStore) SetMutateErr(err error)    { s.lock.Lock(); defer s.lock.Unlock(); s.mutateErr = err }
func (s *FakeRowStore) SetSubscribeErr(err error) { s.lock.Lock(); defer s.lock.Unlock(); s.openErr = err }

// OpenSubscriptions reports the number of currently open subscriptions.
func (s *FakeRowStore) OpenSubscriptions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.subs)
}

// TotalOpened reports how many subscriptions were ever opened.
func (s *FakeRowStore) TotalOpened() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.totalOpened
}

// QueryCalls reports how many Query calls were made.
func (s *FakeRowStore) QueryCalls() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.queryCalls
}

type fakeSubscription struct {
	store   *FakeRowStore
	id      uint64
	table   string
	filter  *backend.Filter
	onEvent func(backend.ChangeEvent)
}

func (f *fakeSubscription) Close() error {
	f.store.lock.Lock()
	defer f.store.lock.Unlock()
	delete(f.store.subs, f.id)
	return nil
}

func copyRow(row backend.Row) backend.Row {
	out := make(backend.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
