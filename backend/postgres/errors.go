package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
)

// SQLSTATE classes mapped onto the backend error taxonomy. Class 23 covers
// integrity violations (duplicate key, foreign key, check); 42501 and 28000
// cover privilege and row-level-security rejections.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(backend.ErrUnavailable, err.Error())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			return errors.Wrap(backend.ErrValidation, pgErr.Message)
		case pgErr.Code == "42501" || pgErr.Code == "28000":
			return errors.Wrap(backend.ErrPermissionDenied, pgErr.Message)
		}
	}
	return errors.Wrap(backend.ErrUnavailable, err.Error())
}
