package livequery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/backend/backendfakes"
	"github.com/portalwerk/portal-core/livequery"
	"github.com/portalwerk/portal-core/nav/navfakes"
	"github.com/portalwerk/portal-core/session"
	"github.com/stretchr/testify/require"
)

const testTable = "appointments"

type testFixture struct {
	rows *backendfakes.FakeRowStore

	lock       sync.Mutex
	deliveries [][]backend.Row
	failures   []error
	key        string
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	return &testFixture{rows: backendfakes.NewFakeRowStore()}
}

func (f *testFixture) onRows(rows []backend.Row) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.deliveries = append(f.deliveries, rows)
}

func (f *testFixture) onError(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failures = append(f.failures, err)
}

func (f *testFixture) deliveryCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.deliveries)
}

func (f *testFixture) lastDelivery() []backend.Row {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.deliveries) == 0 {
		return nil
	}
	return f.deliveries[len(f.deliveries)-1]
}

func (f *testFixture) failureCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.failures)
}

func (f *testFixture) setKey(key string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.key = key
}

// fetchAll queries the whole table, the shape an unscoped admin screen uses.
func (f *testFixture) fetchAll() livequery.FetchFunc {
	return func(ctx context.Context) ([]backend.Row, error) {
		return f.rows.Query(ctx, testTable, nil)
	}
}

// fetchForKey queries scoped to the current filter key, the shape a
// customer screen uses.
func (f *testFixture) fetchForKey() livequery.FetchFunc {
	return func(ctx context.Context) ([]backend.Row, error) {
		f.lock.Lock()
		key := f.key
		f.lock.Unlock()
		return f.rows.Query(ctx, testTable, &backend.Filter{Column: "user_id", Value: key})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestMountFetchesThenSubscribes(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1", "title": "Heizung"}})

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	defer w.Unmount()

	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })
	require.Equal(t, 1, f.deliveryCount())
	require.Len(t, f.lastDelivery(), 1)
	require.Equal(t, 1, f.rows.OpenSubscriptions())
}

func TestChangeEventTriggersRefetch(t *testing.T) {
	f := setupTestFixture(t)

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	defer w.Unmount()
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })

	require.NoError(t, f.rows.Mutate(context.Background(), testTable, backend.OpCreate, backend.Row{"title": "Rohrbruch"}))

	waitFor(t, func() bool { return len(w.Rows()) == 1 })
	require.Equal(t, "Rohrbruch", w.Rows()[0]["title"])
}

func TestBurstCoalescesIntoOnePendingRefetch(t *testing.T) {
	f := setupTestFixture(t)

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	defer w.Unmount()
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })
	require.Equal(t, 1, f.rows.QueryCalls())

	release := f.rows.HoldQueries()
	for i := 0; i < 3; i++ {
		f.rows.EmitChange(backend.ChangeEvent{Table: testTable, Op: backend.OpUpdate, RowID: "a1"})
	}
	// One refetch in flight, the burst folded into a single pending one.
	waitFor(t, func() bool { return f.rows.QueryCalls() == 2 })
	release()

	waitFor(t, func() bool { return f.rows.QueryCalls() == 3 })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, f.rows.QueryCalls())
}

// An event arriving while a refetch result is being delivered must wait its
// turn: it folds into the pending refetch and the fresher list lands after
// the one in flight, never before it.
func TestEventDuringDeliveryFoldsIntoNextRefetch(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1", "title": "v1"}})

	gate := make(chan struct{})
	var lock sync.Mutex
	var deliveries [][]backend.Row
	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(func(rows []backend.Row) {
			lock.Lock()
			nth := len(deliveries)
			deliveries = append(deliveries, rows)
			lock.Unlock()
			if nth == 1 {
				// Hold the first refetch delivery open mid-callback.
				<-gate
			}
		}))
	w.Mount(context.Background())
	defer w.Unmount()
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })

	require.NoError(t, f.rows.Mutate(context.Background(), testTable, backend.OpUpdate, backend.Row{"id": "a1", "title": "v2"}))
	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(deliveries) == 2
	})

	// Changes landing while the delivery is blocked must not start a second
	// concurrent refetch; they queue behind the one in flight.
	require.NoError(t, f.rows.Mutate(context.Background(), testTable, backend.OpUpdate, backend.Row{"id": "a1", "title": "v3"}))
	require.NoError(t, f.rows.Mutate(context.Background(), testTable, backend.OpUpdate, backend.Row{"id": "a1", "title": "v4"}))
	require.Equal(t, 2, f.rows.QueryCalls())
	close(gate)

	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(deliveries) == 3
	})
	lock.Lock()
	last := deliveries[2]
	lock.Unlock()
	require.Len(t, last, 1)
	require.Equal(t, "v4", last[0]["title"])
	require.Len(t, w.Rows(), 1)
	require.Equal(t, "v4", w.Rows()[0]["title"])

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, f.rows.QueryCalls())
}

func TestUnmountMidFetchDiscardsResult(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1"}})
	release := f.rows.HoldQueries()

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	waitFor(t, func() bool { return f.rows.QueryCalls() == 1 })

	w.Unmount()
	release()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.deliveryCount())
	require.Zero(t, f.rows.TotalOpened())
	require.Zero(t, f.rows.OpenSubscriptions())
	require.Equal(t, livequery.StatusClosed, w.Status())
}

func TestKeyChangeClosesOldSubscriptionFirst(t *testing.T) {
	f := setupTestFixture(t)

	w := livequery.NewWatcher(f.rows, testTable, f.fetchForKey(),
		livequery.WithFilterColumn("user_id"),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	defer w.Unmount()
	require.Equal(t, livequery.StatusIdle, w.Status())
	require.Zero(t, f.rows.TotalOpened())

	f.setKey("user-1")
	w.SetKey("user-1")
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })
	require.Equal(t, 1, f.rows.TotalOpened())

	f.setKey("user-2")
	w.SetKey("user-2")
	waitFor(t, func() bool { return f.rows.TotalOpened() == 2 })
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })
	require.Equal(t, 1, f.rows.OpenSubscriptions())
}

func TestUnchangedKeyIsNoOp(t *testing.T) {
	f := setupTestFixture(t)

	w := livequery.NewWatcher(f.rows, testTable, f.fetchForKey(),
		livequery.WithFilterColumn("user_id"))
	w.Mount(context.Background())
	defer w.Unmount()

	f.setKey("user-1")
	w.SetKey("user-1")
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })

	w.SetKey("user-1")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.rows.TotalOpened())
	require.Equal(t, 1, f.rows.QueryCalls())
}

func TestEmptyKeyClosesAndClearsList(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1", "user_id": "user-1"}})

	w := livequery.NewWatcher(f.rows, testTable, f.fetchForKey(),
		livequery.WithFilterColumn("user_id"),
		livequery.WithRowsFunc(f.onRows))
	w.Mount(context.Background())
	defer w.Unmount()

	f.setKey("user-1")
	w.SetKey("user-1")
	waitFor(t, func() bool { return len(w.Rows()) == 1 })

	f.setKey("")
	w.SetKey("")

	require.Equal(t, livequery.StatusClosed, w.Status())
	require.Nil(t, w.Rows())
	require.Nil(t, f.lastDelivery())
	require.Zero(t, f.rows.OpenSubscriptions())
}

func TestRefetchFailureKeepsListAndSubscription(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1", "title": "Heizung"}})

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows),
		livequery.WithErrorFunc(f.onError))
	w.Mount(context.Background())
	defer w.Unmount()
	waitFor(t, func() bool { return len(w.Rows()) == 1 })

	f.rows.SetQueryErr(errors.Wrap(backend.ErrUnavailable, "backend down"))
	f.rows.EmitChange(backend.ChangeEvent{Table: testTable, Op: backend.OpUpdate, RowID: "a1"})

	waitFor(t, func() bool { return f.failureCount() == 1 })
	var failure *livequery.Failure
	require.ErrorAs(t, f.failures[0], &failure)
	require.Equal(t, livequery.FetchFailed, failure.Kind)
	require.Len(t, w.Rows(), 1)
	require.Equal(t, livequery.StatusActive, w.Status())
	require.Equal(t, 1, f.rows.OpenSubscriptions())
}

func TestSubscribeFailureSurfacesAndRemountRecovers(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.SetSubscribeErr(errors.New("realtime unavailable"))

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithErrorFunc(f.onError))
	w.Mount(context.Background())
	defer w.Unmount()

	waitFor(t, func() bool { return f.failureCount() == 1 })
	var failure *livequery.Failure
	require.ErrorAs(t, f.failures[0], &failure)
	require.Equal(t, livequery.SubscriptionOpenFailed, failure.Kind)
	require.Equal(t, livequery.StatusClosed, w.Status())
	require.Zero(t, f.rows.TotalOpened())

	f.rows.SetSubscribeErr(nil)
	w.Mount(context.Background())
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })
	require.Equal(t, 1, f.rows.OpenSubscriptions())
}

// gatedFeed holds Subscribe open so a test can supersede the mount while the
// open is in flight.
type gatedFeed struct {
	inner   backend.ChangeFeed
	entered chan struct{}
	release chan struct{}
	err     error
}

func (f *gatedFeed) Subscribe(table string, filter *backend.Filter, onEvent func(backend.ChangeEvent)) (backend.Subscription, error) {
	close(f.entered)
	<-f.release
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.Subscribe(table, filter, onEvent)
}

// An open failure returning after the watcher was unmounted belongs to no
// live screen state and must not reach the error callback.
func TestSupersededOpenFailureNotReported(t *testing.T) {
	f := setupTestFixture(t)
	feed := &gatedFeed{
		inner:   f.rows,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("realtime unavailable"),
	}

	w := livequery.NewWatcher(feed, testTable, f.fetchAll(),
		livequery.WithErrorFunc(f.onError))
	w.Mount(context.Background())
	<-feed.entered
	w.Unmount()
	close(feed.release)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.failureCount())
	require.Equal(t, livequery.StatusClosed, w.Status())
}

func TestSignOutClosesSubscription(t *testing.T) {
	f := setupTestFixture(t)
	f.rows.Seed(testTable, []backend.Row{{"id": "a1"}})

	accounts := backendfakes.NewFakeAccountStore()
	accounts.SetSession(&backend.Session{
		Token:     "token-abc",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	store, err := session.NewStore(accounts, backendfakes.NewFakeProfileLookup(), navfakes.NewFakeNavigator("/kunde"))
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))

	w := livequery.NewWatcher(f.rows, testTable, f.fetchAll(),
		livequery.WithRowsFunc(f.onRows),
		livequery.WithSessionStore(store))
	w.Mount(context.Background())
	waitFor(t, func() bool { return w.Status() == livequery.StatusActive })

	require.NoError(t, store.SignOut(context.Background()))

	require.Equal(t, livequery.StatusClosed, w.Status())
	require.Nil(t, w.Rows())
	require.Zero(t, f.rows.OpenSubscriptions())
}
