// Package postgres implements the row-store contracts over pgx. Queries and
// mutations run on a pgxpool; change subscriptions hold a dedicated
// connection on LISTEN and decode JSON notification payloads emitted by a
// portal_changes trigger on the watched tables.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/portalwerk/portal-core/backend"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ backend.RowStore = (*Store)(nil)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store is a RowStore over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store on the pool.
func NewStore(pool *pgxpool.Pool, options ...StoreOption) *Store {
	s := &Store{pool: pool, logger: log.Logger}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Query(ctx context.Context, table string, filter *backend.Filter) ([]backend.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`SELECT * FROM %s`, table)
	var args []any
	if filter != nil {
		if err := checkIdent(filter.Column); err != nil {
			return nil, err
		}
		sql += fmt.Sprintf(` WHERE %s = $1`, filter.Column)
		args = append(args, filter.Value)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "[Store.Query] pool.Query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []backend.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(mapError(err), "[Store.Query] rows.Values")
		}
		row := make(backend.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(mapError(err), "[Store.Query] rows.Err")
	}
	return out, nil
}

func (s *Store) Mutate(ctx context.Context, table string, op backend.Op, payload backend.Row) error {
	if err := checkIdent(table); err != nil {
		return err
	}

	var sql string
	var args []any
	switch op {
	case backend.OpCreate:
		cols := sortedColumns(payload)
		placeholders := make([]string, len(cols))
		for i, c := range cols {
			if err := checkIdent(c); err != nil {
				return err
			}
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, payload[c])
		}
		sql = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	case backend.OpUpdate:
		id, ok := payload["id"]
		if !ok {
			return errors.Wrap(backend.ErrValidation, "[Store.Mutate] update without id")
		}
		var sets []string
		for _, c := range sortedColumns(payload) {
			if c == "id" {
				continue
			}
			if err := checkIdent(c); err != nil {
				return err
			}
			args = append(args, payload[c])
			sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
		}
		args = append(args, id)
		sql = fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, strings.Join(sets, ", "), len(args))
	case backend.OpDelete:
		id, ok := payload["id"]
		if !ok {
			return errors.Wrap(backend.ErrValidation, "[Store.Mutate] delete without id")
		}
		sql = fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
		args = append(args, id)
	default:
		return errors.Wrapf(backend.ErrValidation, "[Store.Mutate] unknown op %q", op)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(mapError(err), "[Store.Mutate] %s %s", op, table)
	}
	return nil
}

func sortedColumns(payload backend.Row) []string {
	cols := make([]string, 0, len(payload))
	for c := range payload {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return errors.Wrapf(backend.ErrValidation, "invalid identifier %q", name)
	}
	return nil
}
