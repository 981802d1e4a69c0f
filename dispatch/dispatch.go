// Package dispatch performs create/update/delete calls against the row store.
// It deliberately does not touch any UI list: the watcher's change event and
// refetch are the mechanism that reflects a write back into the screen, so
// local state never diverges from the backend when other sessions mutate the
// same rows concurrently.
package dispatch

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind classifies an action failure. None of them is retried automatically;
// all are reported to the triggering UI action only.
type Kind string

const (
	// ValidationRejected: backend-side constraint failure, e.g. duplicate key.
	ValidationRejected Kind = "validation_rejected"
	// PermissionDenied: role or ownership check failed server-side.
	PermissionDenied Kind = "permission_denied"
	// Unavailable: transport or backend failure.
	Unavailable Kind = "unavailable"
)

// ActionError is the typed failure a dispatch call returns.
type ActionError struct {
	Kind  Kind
	Table string
	Op    backend.Op
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("dispatch %s on %q: %s: %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Dispatcher issues row mutations. The call returns once the backend confirms
// the write; it does not wait for the subsequent change event — callers that
// need the fresh list await the watcher's refetch instead.
type Dispatcher struct {
	rows   backend.RowMutator
	logger zerolog.Logger
}

// DispatcherOption modifies a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a dispatcher over the row mutator.
func New(rows backend.RowMutator, options ...DispatcherOption) (*Dispatcher, error) {
	if rows == nil {
		return nil, errors.New("[dispatch.New] row mutator is required")
	}
	d := &Dispatcher{rows: rows, logger: log.Logger}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Create inserts a row.
func (d *Dispatcher) Create(ctx context.Context, table string, payload backend.Row) error {
	return d.dispatch(ctx, backend.OpCreate, table, payload)
}

// Update modifies a row; the payload carries the row id.
func (d *Dispatcher) Update(ctx context.Context, table string, payload backend.Row) error {
	return d.dispatch(ctx, backend.OpUpdate, table, payload)
}

// Delete removes a row; the payload carries the row id.
func (d *Dispatcher) Delete(ctx context.Context, table string, payload backend.Row) error {
	return d.dispatch(ctx, backend.OpDelete, table, payload)
}

func (d *Dispatcher) dispatch(ctx context.Context, op backend.Op, table string, payload backend.Row) error {
	err := d.rows.Mutate(ctx, table, op, payload)
	if err == nil {
		return nil
	}
	actionErr := &ActionError{Kind: classify(err), Table: table, Op: op, Err: err}
	d.logger.Warn().Err(err).Str("table", table).Str("op", string(op)).Str("kind", string(actionErr.Kind)).Msg("dispatch: action failed")
	return actionErr
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, backend.ErrValidation):
		return ValidationRejected
	case errors.Is(err, backend.ErrPermissionDenied):
		return PermissionDenied
	default:
		return Unavailable
	}
}
