// Package pgstore implements the tuple store contract on PostgreSQL. Each
// keyspace maps to one table with the record fields as columns; the primary
// key on the key column gives ordered scans and duplicate detection, and the
// lock flag's conditional update rides a single guarded UPDATE.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/tuplecache/store"
)

// DefaultTable is the table used when New is given an empty name.
const DefaultTable = "tuplecache"

// uniqueViolation is the PostgreSQL error code for a primary key conflict.
const uniqueViolation = "23505"

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a store.Adapter backed by a PostgreSQL table. The pool is owned by
// the caller; Store never closes it.
type Store struct {
	pool  *pgxpool.Pool
	table string

	selectByKey string
	selectAll   string
	selectFrom  string
	insert      string
	updateValue string
	updateExp   string
	updateRes   string
	lock        string
	unlock      string
	replace     string
	deleteByKey string
	truncate    string
}

var _ store.Adapter = (*Store)(nil)

// New builds an adapter over the given pool and table. The table name is
// interpolated into SQL text, so it is restricted to identifier characters.
func New(pool *pgxpool.Pool, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("pgstore: invalid table name %q", table)
	}
	const cols = "k, v, exp, locked, res"
	return &Store{
		pool:        pool,
		table:       table,
		selectByKey: fmt.Sprintf("SELECT %s FROM %s WHERE k = $1", cols, table),
		selectAll:   fmt.Sprintf("SELECT %s FROM %s ORDER BY k LIMIT $1", cols, table),
		selectFrom:  fmt.Sprintf("SELECT %s FROM %s WHERE k > $1 ORDER BY k LIMIT $2", cols, table),
		insert:      fmt.Sprintf("INSERT INTO %s (k, v, exp, locked, res) VALUES ($1, $2, $3, $4, $5) RETURNING %s", table, cols),
		updateValue: fmt.Sprintf("UPDATE %s SET v = $2 WHERE k = $1 RETURNING %s", table, cols),
		updateExp:   fmt.Sprintf("UPDATE %s SET exp = $2 WHERE k = $1 RETURNING %s", table, cols),
		updateRes:   fmt.Sprintf("UPDATE %s SET res = $2 WHERE k = $1 RETURNING %s", table, cols),
		lock:        fmt.Sprintf("UPDATE %s SET locked = TRUE WHERE k = $1 AND NOT locked RETURNING %s", table, cols),
		unlock:      fmt.Sprintf("UPDATE %s SET locked = FALSE WHERE k = $1 RETURNING %s", table, cols),
		replace:     fmt.Sprintf("UPDATE %s SET v = $2, exp = $3, locked = $4, res = $5 WHERE k = $1 RETURNING %s", table, cols),
		deleteByKey: fmt.Sprintf("DELETE FROM %s WHERE k = $1 RETURNING %s", table, cols),
		truncate:    fmt.Sprintf("TRUNCATE %s", table),
	}, nil
}

// EnsureSchema creates the keyspace table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	k      TEXT PRIMARY KEY,
	v      BYTEA,
	exp    BIGINT NOT NULL DEFAULT -1,
	locked BOOLEAN NOT NULL DEFAULT FALSE,
	res    BYTEA
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: ensure schema for %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) SelectByKey(ctx context.Context, key string) (store.Tuple, error) {
	return s.queryTuple(ctx, s.selectByKey, key)
}

func (s *Store) SelectAll(ctx context.Context, limit int) ([]store.Tuple, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryTuples(ctx, s.selectAll, limit)
}

func (s *Store) SelectFrom(ctx context.Context, key string, limit int) ([]store.Tuple, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryTuples(ctx, s.selectFrom, key, limit)
}

func (s *Store) Insert(ctx context.Context, t store.Tuple) (store.Tuple, error) {
	key, value, expiry, locked, reserved, err := explode(t)
	if err != nil {
		return nil, err
	}
	out, err := s.queryTuple(ctx, s.insert, key, value, expiry, locked, reserved)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, store.ErrDuplicateKey
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateField(ctx context.Context, key string, field int, value any) (store.Tuple, error) {
	switch field {
	case store.FieldValue:
		v, ok := value.([]byte)
		if !ok {
			return nil, store.ErrBadField
		}
		return s.queryTuple(ctx, s.updateValue, key, v)
	case store.FieldExpiry:
		ts, ok := value.(int64)
		if !ok {
			return nil, store.ErrBadField
		}
		return s.queryTuple(ctx, s.updateExp, key, ts)
	case store.FieldLock:
		locked, ok := value.(bool)
		if !ok {
			return nil, store.ErrBadField
		}
		// The lock query carries the NOT locked guard, so an already-held
		// record falls out as "no rows" exactly like a missing one.
		if locked {
			return s.queryTuple(ctx, s.lock, key)
		}
		return s.queryTuple(ctx, s.unlock, key)
	case store.FieldReserved:
		v, ok := value.([]byte)
		if !ok && value != nil {
			return nil, store.ErrBadField
		}
		return s.queryTuple(ctx, s.updateRes, key, v)
	default:
		return nil, store.ErrBadField
	}
}

func (s *Store) Replace(ctx context.Context, t store.Tuple) (store.Tuple, error) {
	key, value, expiry, locked, reserved, err := explode(t)
	if err != nil {
		return nil, err
	}
	return s.queryTuple(ctx, s.replace, key, value, expiry, locked, reserved)
}

func (s *Store) DeleteByKey(ctx context.Context, key string) (store.Tuple, error) {
	return s.queryTuple(ctx, s.deleteByKey, key)
}

func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.truncate); err != nil {
		return fmt.Errorf("pgstore: truncate %s: %w", s.table, err)
	}
	return nil
}

// queryTuple runs a statement expected to return at most one row and maps
// "no rows" to the contract's nil tuple.
func (s *Store) queryTuple(ctx context.Context, sql string, args ...any) (store.Tuple, error) {
	t, err := scanTuple(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) queryTuples(ctx context.Context, sql string, args ...any) ([]store.Tuple, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []store.Tuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: scan %s: %w", s.table, err)
	}
	return out, nil
}

func scanTuple(row pgx.Row) (store.Tuple, error) {
	var (
		key      string
		value    []byte
		expiry   int64
		locked   bool
		reserved []byte
	)
	if err := row.Scan(&key, &value, &expiry, &locked, &reserved); err != nil {
		return nil, err
	}
	return store.MakeTuple(key, value, expiry, locked, reserved), nil
}

func explode(t store.Tuple) (key string, value []byte, expiry int64, locked bool, reserved []byte, err error) {
	key, err = store.Key(t)
	if err != nil {
		return "", nil, 0, false, nil, err
	}
	value, ok := t[store.FieldValue].([]byte)
	if !ok && t[store.FieldValue] != nil {
		return "", nil, 0, false, nil, store.ErrBadField
	}
	expiry, ok = t[store.FieldExpiry].(int64)
	if !ok {
		return "", nil, 0, false, nil, store.ErrBadField
	}
	locked, ok = t[store.FieldLock].(bool)
	if !ok {
		return "", nil, 0, false, nil, store.ErrBadField
	}
	reserved, ok = t[store.FieldReserved].([]byte)
	if !ok && t[store.FieldReserved] != nil {
		return "", nil, 0, false, nil, store.ErrBadField
	}
	return key, value, expiry, locked, reserved, nil
}
