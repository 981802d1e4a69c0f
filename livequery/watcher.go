// Package livequery keeps a screen's list in sync with backend table state.
// A Watcher is owned by exactly one screen instance and guarantees at most
// one live change subscription for that instance at any time: every mount and
// every filter-key change closes the old subscription before opening the new
// one. Change events trigger a full refetch (the backend is the single source
// of truth; nothing is patched locally), and bursts collapse into at most one
// queued refetch behind the in-flight one.
package livequery

import (
	"context"
	"sync"

	"github.com/portalwerk/portal-core/backend"
	"github.com/portalwerk/portal-core/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status mirrors the subscription lifecycle for the screen's benefit.
type Status string

const (
	// StatusIdle: mounted but not watching, e.g. a key-scoped watcher whose
	// key is absent.
	StatusIdle Status = "idle"
	// StatusConnecting: initial fetch running, subscription not yet open.
	StatusConnecting Status = "connecting"
	// StatusActive: subscription open, refetching on change events.
	StatusActive Status = "active"
	// StatusClosed: subscription closed (unmount, sign-out or open failure).
	StatusClosed Status = "closed"
)

// FetchFunc returns the current row set for the watcher's topic. It is called
// once on mount and again after every change event.
type FetchFunc func(ctx context.Context) ([]backend.Row, error)

// Watcher is the reusable subscription manager one screen instance composes.
type Watcher struct {
	feed         backend.ChangeFeed
	table        string
	fetch        FetchFunc
	filterColumn string
	onRows       func([]backend.Row)
	onError      func(error)
	sessions     *session.Store
	logger       zerolog.Logger

	lock     sync.Mutex
	ctx      context.Context
	gen      uint64
	mounted  bool
	key      string
	sub      backend.Subscription
	release  func()
	fetching bool
	pending  bool
	status   Status
	rows     []backend.Row
}

// WatcherOption modifies a Watcher instance.
type WatcherOption func(*Watcher)

// WithFilterColumn scopes the watcher to rows where the column equals the key
// passed to SetKey. Without it the watcher queries all rows (the admin view).
func WithFilterColumn(column string) WatcherOption {
	return func(w *Watcher) {
		w.filterColumn = column
	}
}

// WithRowsFunc registers the callback that pushes the fresh list into the
// screen's model.
func WithRowsFunc(fn func([]backend.Row)) WatcherOption {
	return func(w *Watcher) {
		w.onRows = fn
	}
}

// WithErrorFunc registers the callback for recoverable, screen-local
// failures (toast/log).
func WithErrorFunc(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// WithSessionStore registers the watcher's open subscription with the session
// store so that a sign-out closes it process-wide before redirecting.
func WithSessionStore(s *session.Store) WatcherOption {
	return func(w *Watcher) {
		w.sessions = s
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for one screen instance over (table, fetch).
func NewWatcher(feed backend.ChangeFeed, table string, fetch FetchFunc, options ...WatcherOption) *Watcher {
	w := &Watcher{
		feed:   feed,
		table:  table,
		fetch:  fetch,
		logger: log.Logger,
		status: StatusIdle,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Status returns the current subscription status.
func (w *Watcher) Status() Status {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.status
}

// Rows returns the last delivered list.
func (w *Watcher) Rows() []backend.Row {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.rows
}

// Mount starts the watcher: close-any-old, fetch, subscribe. For key-scoped
// watchers with no key yet it parks in StatusIdle until SetKey is called.
// Fetch and open failures surface through the error callback; the caller
// retries by mounting again.
func (w *Watcher) Mount(ctx context.Context) {
	w.lock.Lock()
	w.mounted = true
	w.ctx = ctx
	if w.release == nil && w.sessions != nil {
		w.release = w.sessions.RegisterCloser(w.closeForSignOut)
	}
	if w.filterColumn != "" && w.key == "" {
		w.status = StatusIdle
		w.lock.Unlock()
		return
	}
	w.restartLocked()
}

// SetKey changes the filter key. A changed value re-runs the full mount
// sequence (close old subscription, fetch, subscribe); an unchanged value is
// a no-op; an empty key closes the subscription and clears the list rather
// than querying with a null filter.
func (w *Watcher) SetKey(key string) {
	w.lock.Lock()
	if w.filterColumn == "" {
		w.lock.Unlock()
		return
	}
	if key == w.key && w.mounted && w.status != StatusClosed {
		w.lock.Unlock()
		return
	}
	w.key = key
	if !w.mounted {
		w.lock.Unlock()
		return
	}
	if key == "" {
		w.detachLocked(true)
		return
	}
	w.restartLocked()
}

// Unmount closes the subscription unconditionally and discards the effect of
// any in-flight fetch. It must be safe to call even while a fetch is running;
// the fetch may still complete but its result is dropped.
func (w *Watcher) Unmount() {
	w.lock.Lock()
	if !w.mounted {
		w.lock.Unlock()
		return
	}
	w.mounted = false
	release := w.release
	w.release = nil
	w.detachLocked(false)
	if release != nil {
		release()
	}
}

// restartLocked begins a fresh mount sequence. Called with the lock held;
// releases it.
func (w *Watcher) restartLocked() {
	if w.release == nil && w.sessions != nil {
		// Sign-out drops the registration; a later remount needs a new one.
		w.release = w.sessions.RegisterCloser(w.closeForSignOut)
	}
	w.gen++
	gen := w.gen
	old := w.sub
	w.sub = nil
	w.fetching = true
	w.pending = false
	w.status = StatusConnecting
	ctx := w.ctx
	filter := w.currentFilter()
	w.lock.Unlock()

	if old != nil {
		// At most one live subscription per instance: the old one goes away
		// before the new sequence touches the backend.
		w.closeSub(old)
	}
	go w.mountSequence(ctx, gen, filter)
}

// detachLocked closes the subscription and invalidates in-flight fetches.
// Called with the lock held; releases it. clearRows also empties the list,
// per the absent-filter-key contract.
func (w *Watcher) detachLocked(clearRows bool) {
	w.gen++
	old := w.sub
	w.sub = nil
	w.fetching = false
	w.pending = false
	w.status = StatusClosed
	if clearRows {
		w.rows = nil
	}
	onRows := w.onRows
	w.lock.Unlock()

	if old != nil {
		w.closeSub(old)
	}
	if clearRows && onRows != nil {
		onRows(nil)
	}
}

func (w *Watcher) currentFilter() *backend.Filter {
	if w.filterColumn == "" {
		return nil
	}
	return &backend.Filter{Column: w.filterColumn, Value: w.key}
}

// mountSequence runs fetch-then-subscribe for one generation. Any step that
// loses the generation race (remount, unmount, sign-out) discards its result.
func (w *Watcher) mountSequence(ctx context.Context, gen uint64, filter *backend.Filter) {
	rows, err := w.fetch(ctx)

	w.lock.Lock()
	if w.gen != gen {
		w.lock.Unlock()
		return
	}
	w.fetching = false
	w.lock.Unlock()

	if err != nil {
		w.reportFailure(FetchFailed, err)
	} else {
		w.deliver(gen, rows)
	}

	sub, err := w.feed.Subscribe(w.table, filter, func(backend.ChangeEvent) {
		w.changed(gen)
	})
	if err != nil {
		w.lock.Lock()
		if w.gen != gen {
			// Superseded while opening; the failure belongs to no live screen.
			w.lock.Unlock()
			return
		}
		w.status = StatusClosed
		w.lock.Unlock()
		w.reportFailure(SubscriptionOpenFailed, err)
		return
	}
	subscriptionsOpened.Inc()

	w.lock.Lock()
	if w.gen != gen {
		w.lock.Unlock()
		// A newer mount won the race; this subscription must not linger.
		w.closeSub(sub)
		return
	}
	w.sub = sub
	w.status = StatusActive
	pending := w.pending
	w.pending = false
	w.lock.Unlock()

	if pending {
		w.changed(gen)
	}
}

// changed handles one change event: start a refetch, or fold the event into
// the one already pending behind the in-flight fetch.
func (w *Watcher) changed(gen uint64) {
	w.lock.Lock()
	if w.gen != gen || !w.mounted {
		w.lock.Unlock()
		return
	}
	if w.fetching {
		w.pending = true
		w.lock.Unlock()
		eventsCoalesced.Inc()
		return
	}
	w.fetching = true
	ctx := w.ctx
	w.lock.Unlock()

	refetchesRun.Inc()
	go w.refetch(ctx, gen)
}

// refetch runs one change-triggered fetch. fetching stays set until the
// result has been delivered, so an event arriving mid-delivery folds into
// pending instead of racing a second refetch past this one; deliveries land
// in fetch order.
func (w *Watcher) refetch(ctx context.Context, gen uint64) {
	rows, err := w.fetch(ctx)

	w.lock.Lock()
	if w.gen != gen {
		w.lock.Unlock()
		return
	}
	w.lock.Unlock()

	if err != nil {
		// Previous list stays on screen; the subscription stays open.
		w.reportFailure(FetchFailed, err)
	} else {
		w.deliver(gen, rows)
	}

	w.lock.Lock()
	if w.gen != gen {
		w.lock.Unlock()
		return
	}
	w.fetching = false
	again := w.pending
	w.pending = false
	w.lock.Unlock()

	if again {
		w.changed(gen)
	}
}

func (w *Watcher) deliver(gen uint64, rows []backend.Row) {
	w.lock.Lock()
	if w.gen != gen {
		w.lock.Unlock()
		return
	}
	w.rows = rows
	onRows := w.onRows
	w.lock.Unlock()

	if onRows != nil {
		onRows(rows)
	}
}

func (w *Watcher) reportFailure(kind FailureKind, err error) {
	failure := &Failure{Kind: kind, Table: w.table, Err: err}
	w.logger.Warn().Err(err).Str("table", w.table).Str("kind", string(kind)).Msg("livequery: recoverable failure")
	if w.onError != nil {
		w.onError(failure)
	}
}

func (w *Watcher) closeSub(sub backend.Subscription) {
	if err := sub.Close(); err != nil {
		w.logger.Warn().Err(err).Str("table", w.table).Msg("livequery: failed to close subscription")
	}
	subscriptionsClosed.Inc()
}

// closeForSignOut is registered with the session store; sign-out closes the
// subscription and clears the list before the redirect fires.
func (w *Watcher) closeForSignOut() error {
	w.lock.Lock()
	w.release = nil
	if w.sub == nil && w.status != StatusConnecting {
		w.lock.Unlock()
		return nil
	}
	w.detachLocked(true)
	return nil
}
