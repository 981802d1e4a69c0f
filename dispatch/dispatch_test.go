package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/backend/backendfakes"
	"github.com/portalwerk/portal-core/dispatch"
	"github.com/portalwerk/portal-core/livequery"
	"github.com/stretchr/testify/require"
)

const testTable = "requests"

func setupDispatcher(t *testing.T) (*dispatch.Dispatcher, *backendfakes.FakeRowStore) {
	t.Helper()
	rows := backendfakes.NewFakeRowStore()
	d, err := dispatch.New(rows)
	require.NoError(t, err)
	return d, rows
}

func TestCreatePersistsRow(t *testing.T) {
	d, rows := setupDispatcher(t)

	require.NoError(t, d.Create(context.Background(), testTable, backend.Row{"title": "Rohrbruch"}))

	stored, err := rows.Query(context.Background(), testTable, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "Rohrbruch", stored[0]["title"])
	require.NotEmpty(t, stored[0]["id"])
}

func TestUpdateMissingRowIsValidationRejected(t *testing.T) {
	d, _ := setupDispatcher(t)

	err := d.Update(context.Background(), testTable, backend.Row{"id": "missing", "title": "x"})

	var actionErr *dispatch.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, dispatch.ValidationRejected, actionErr.Kind)
	require.Equal(t, testTable, actionErr.Table)
	require.Equal(t, backend.OpUpdate, actionErr.Op)
}

func TestPermissionErrorClassified(t *testing.T) {
	d, rows := setupDispatcher(t)
	rows.SetMutateErr(errors.Wrap(backend.ErrPermissionDenied, "row owned by another user"))

	err := d.Delete(context.Background(), testTable, backend.Row{"id": "a1"})

	var actionErr *dispatch.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, dispatch.PermissionDenied, actionErr.Kind)
	require.ErrorIs(t, err, backend.ErrPermissionDenied)
}

func TestUnknownErrorClassifiedUnavailable(t *testing.T) {
	d, rows := setupDispatcher(t)
	rows.SetMutateErr(errors.New("connection reset"))

	err := d.Create(context.Background(), testTable, backend.Row{"title": "x"})

	var actionErr *dispatch.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, dispatch.Unavailable, actionErr.Kind)
}

// The write path never touches the list directly: a confirmed create reaches
// the screen only through the change event and the watcher's refetch.
func TestCreateReachesWatcherViaChangeEvent(t *testing.T) {
	d, rows := setupDispatcher(t)

	var lock sync.Mutex
	var current []backend.Row
	w := livequery.NewWatcher(rows, testTable,
		func(ctx context.Context) ([]backend.Row, error) {
			return rows.Query(ctx, testTable, nil)
		},
		livequery.WithRowsFunc(func(rs []backend.Row) {
			lock.Lock()
			defer lock.Unlock()
			current = rs
		}))
	w.Mount(context.Background())
	defer w.Unmount()
	require.Eventually(t, func() bool { return w.Status() == livequery.StatusActive },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Create(context.Background(), testTable, backend.Row{"title": "Heizung defekt"}))

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(current) == 1 && current[0]["title"] == "Heizung defekt"
	}, 2*time.Second, 5*time.Millisecond)
}
