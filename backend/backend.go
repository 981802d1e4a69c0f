// Package backend defines the collaborator contracts the portal core is built
// against: the account store that owns authentication sessions, the row store
// that holds business tables and emits change events, and the profile lookup
// that maps a user id to a role. Concrete adapters live in the subpackages;
// tests substitute the fakes in backendfakes.
package backend

import (
	"context"
	"time"
)

// Session is the live authentication credential as issued by the account
// store. The token is opaque to the core; only expiry and the user id are
// interpreted.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the session token has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type AuthEventType string

const (
	AuthSignedIn       AuthEventType = "signed_in"
	AuthSignedOut      AuthEventType = "signed_out"
	AuthTokenRefreshed AuthEventType = "token_refreshed"
)

// AuthEvent is emitted by the account store on sign-in, sign-out and token
// refresh. Session is nil for AuthSignedOut.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// UnsubscribeFunc removes a previously registered callback. Safe to call more
// than once.
type UnsubscribeFunc func()

// AccountStore is the persistent account collaborator. GetSession performs at
// most one backend round trip; a nil session with a nil error means
// "unauthenticated". Token refresh is implicit in GetSession.
type AccountStore interface {
	GetSession(ctx context.Context) (*Session, error)
	OnAuthEvent(cb func(AuthEvent)) UnsubscribeFunc
	SignOut(ctx context.Context) error
}

// ProfileLookup resolves the application-level role for a user. An empty role
// with a nil error means the profile row does not exist yet; callers fall
// back to the default role.
type ProfileLookup interface {
	GetRole(ctx context.Context, userID string) (string, error)
}

// ProfileDetails is optionally implemented by profile stores that also carry
// a display name. The session store type-asserts for it when building the
// identity.
type ProfileDetails interface {
	GetDisplayName(ctx context.Context, userID string) (string, error)
}

// Row is a single table row keyed by column name.
type Row map[string]any

// Filter restricts a query or a change subscription to rows whose Column
// equals Value. A nil *Filter means "all rows".
type Filter struct {
	Column string
	Value  string
}

// Matches reports whether the row satisfies the filter. A nil filter matches
// everything; a row without the filter column does not match.
func (f *Filter) Matches(row Row) bool {
	if f == nil {
		return true
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == f.Value
}

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent describes a committed row mutation on a table. Row carries the
// affected row's columns when the transport provides them, so feeds can apply
// topic filters client-side; it may be nil.
type ChangeEvent struct {
	Table string
	Op    Op
	RowID string
	Row   Row
}

// Subscription is the opaque handle for an open change subscription. Closing
// is a mandatory explicit action; subscriptions are never reclaimed
// implicitly.
type Subscription interface {
	Close() error
}

// RowReader performs point-in-time reads of a table.
type RowReader interface {
	Query(ctx context.Context, table string, filter *Filter) ([]Row, error)
}

// RowMutator applies a single create, update or delete. Errors are mapped
// onto the package sentinels so callers can classify them.
type RowMutator interface {
	Mutate(ctx context.Context, table string, op Op, payload Row) error
}

// ChangeFeed delivers committed change events for a (table, filter) topic.
// onEvent may be invoked from an internal goroutine; implementations stop
// delivering after Close returns.
type ChangeFeed interface {
	Subscribe(table string, filter *Filter, onEvent func(ChangeEvent)) (Subscription, error)
}

// RowStore is the full row-level collaborator.
type RowStore interface {
	RowReader
	RowMutator
	ChangeFeed
}

type combinedStore struct {
	RowReader
	RowMutator
	ChangeFeed
}

// Combine assembles a RowStore from independent parts, e.g. a Postgres
// reader/mutator with a NATS change feed.
func Combine(r RowReader, m RowMutator, f ChangeFeed) RowStore {
	return combinedStore{RowReader: r, RowMutator: m, ChangeFeed: f}
}
