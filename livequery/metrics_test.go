package livequery

import (
	"context"
	"testing"
	"time"

	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/backend/backendfakes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// stubFeed holds Subscribe open so the test can lose the generation race on
// purpose.
type stubFeed struct {
	inner   backend.ChangeFeed
	entered chan struct{}
	release chan struct{}
}

func (f *stubFeed) Subscribe(table string, filter *backend.Filter, onEvent func(backend.ChangeEvent)) (backend.Subscription, error) {
	close(f.entered)
	<-f.release
	return f.inner.Subscribe(table, filter, onEvent)
}

// A subscription that opens only to lose the generation race is counted on
// both sides, so the opened and closed counters cannot drift apart.
func TestCountersBalanceWhenMountLosesRace(t *testing.T) {
	rows := backendfakes.NewFakeRowStore()
	feed := &stubFeed{inner: rows, entered: make(chan struct{}), release: make(chan struct{})}

	w := NewWatcher(feed, "appointments", func(ctx context.Context) ([]backend.Row, error) {
		return rows.Query(ctx, "appointments", nil)
	})

	openedBefore := testutil.ToFloat64(subscriptionsOpened)
	closedBefore := testutil.ToFloat64(subscriptionsClosed)

	w.Mount(context.Background())
	<-feed.entered
	w.Unmount()
	close(feed.release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(subscriptionsClosed)-closedBefore == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(subscriptionsOpened)-openedBefore)
	require.Zero(t, rows.OpenSubscriptions())
}
