// Package natsfeed implements the ChangeFeed contract over NATS subjects, for
// deployments where row changes are broadcast on a broker rather than read
// from the database's notification channel. It composes with a Postgres
// reader/mutator via backend.Combine.
package natsfeed

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const subjectPrefix = "portal.changes."

var _ backend.ChangeFeed = (*Feed)(nil)

// Feed subscribes to portal.changes.<table> subjects.
type Feed struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// FeedOption modifies a Feed instance.
type FeedOption func(*Feed)

// WithLogger sets the feed's logger.
func WithLogger(logger zerolog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// New creates a Feed on an established NATS connection.
func New(conn *nats.Conn, options ...FeedOption) (*Feed, error) {
	if conn == nil {
		return nil, errors.New("[natsfeed.New] nats connection is required")
	}
	f := &Feed{conn: conn, logger: log.Logger}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// message is the wire form of a change event on the broker.
type message struct {
	Table string      `json:"table"`
	Op    backend.Op  `json:"op"`
	RowID string      `json:"id"`
	Row   backend.Row `json:"row,omitempty"`
}

func (f *Feed) Subscribe(table string, filter *backend.Filter, onEvent func(backend.ChangeEvent)) (backend.Subscription, error) {
	sub, err := f.conn.Subscribe(subjectPrefix+table, func(msg *nats.Msg) {
		var payload message
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			f.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("natsfeed: bad change payload")
			return
		}
		if payload.Row != nil && !filter.Matches(payload.Row) {
			return
		}
		onEvent(backend.ChangeEvent{Table: payload.Table, Op: payload.Op, RowID: payload.RowID, Row: payload.Row})
	})
	if err != nil {
		return nil, errors.Wrapf(backend.ErrUnavailable, "[Feed.Subscribe] %s: %v", table, err)
	}
	return &subscription{sub: sub}, nil
}

// Publish broadcasts a change event, for mutator-side wiring that announces
// its own writes.
func (f *Feed) Publish(ev backend.ChangeEvent) error {
	data, err := json.Marshal(message{Table: ev.Table, Op: ev.Op, RowID: ev.RowID, Row: ev.Row})
	if err != nil {
		return errors.Wrap(err, "[Feed.Publish] json.Marshal")
	}
	if err := f.conn.Publish(subjectPrefix+ev.Table, data); err != nil {
		return errors.Wrapf(backend.ErrUnavailable, "[Feed.Publish] %s: %v", ev.Table, err)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "[subscription.Close] Unsubscribe")
	}
	return nil
}
