package postgres

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
)

// notifyChannel is the single NOTIFY channel the change trigger publishes on.
// Every watched table shares it; the payload names the table.
const notifyChannel = "portal_changes"

// notification is the JSON payload emitted by the portal_changes trigger.
type notification struct {
	Table string      `json:"table"`
	Op    backend.Op  `json:"op"`
	RowID string      `json:"id"`
	Row   backend.Row `json:"row,omitempty"`
}

// Subscribe opens a change subscription for (table, filter). It hijacks a
// pooled connection for the lifetime of the subscription: a LISTEN-ing
// connection must never be returned to the pool.
func (s *Store) Subscribe(table string, filter *backend.Filter, onEvent func(backend.ChangeEvent)) (backend.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return nil, errors.Wrap(mapError(err), "[Store.Subscribe] pool.Acquire")
	}
	if _, err := pooled.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		pooled.Release()
		cancel()
		return nil, errors.Wrap(mapError(err), "[Store.Subscribe] LISTEN")
	}
	conn := pooled.Hijack()

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer func() {
			_ = conn.Close(context.Background())
		}()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("table", table).Msg("postgres: notification stream ended")
				}
				return
			}
			var payload notification
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				s.logger.Warn().Err(err).Msg("postgres: bad notification payload")
				continue
			}
			if payload.Table != table {
				continue
			}
			if payload.Row != nil && !filter.Matches(payload.Row) {
				continue
			}
			onEvent(backend.ChangeEvent{Table: payload.Table, Op: payload.Op, RowID: payload.RowID, Row: payload.Row})
		}
	}()
	return sub, nil
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
