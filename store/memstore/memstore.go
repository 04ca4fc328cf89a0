// Package memstore provides an in-memory store.Adapter. It emulates the
// remote tuple store's semantics exactly (ordered scans, conditional lock
// update, duplicate-key inserts) and is used by tests and single-process
// deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/briangreenhill/tuplecache/store"
)

type row struct {
	value    []byte
	expiry   int64
	locked   bool
	reserved []byte
}

// Store is a concurrency-safe, map-backed tuple store.
type Store struct {
	mu   sync.RWMutex
	rows map[string]row
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{rows: make(map[string]row)}
}

var _ store.Adapter = (*Store)(nil)

// Len reports the number of stored tuples, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) SelectByKey(_ context.Context, key string) (store.Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	return tupleOf(key, r), nil
}

func (s *Store) SelectAll(_ context.Context, limit int) ([]store.Tuple, error) {
	return s.scan("", false, limit), nil
}

func (s *Store) SelectFrom(_ context.Context, key string, limit int) ([]store.Tuple, error) {
	return s.scan(key, true, limit), nil
}

// scan returns up to limit tuples in ascending key order. With after set,
// only keys strictly greater than from are returned.
func (s *Store) scan(from string, after bool, limit int) []store.Tuple {
	if limit <= 0 {
		return nil
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		if !after || k > from {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Tuple, 0, len(keys))
	for _, k := range keys {
		if r, ok := s.rows[k]; ok {
			out = append(out, tupleOf(k, r))
		}
	}
	return out
}

func (s *Store) Insert(_ context.Context, t store.Tuple) (store.Tuple, error) {
	key, r, err := rowOf(t)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[key]; exists {
		return nil, store.ErrDuplicateKey
	}
	s.rows[key] = r
	return tupleOf(key, r), nil
}

func (s *Store) UpdateField(_ context.Context, key string, field int, value any) (store.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	switch field {
	case store.FieldValue:
		v, ok := value.([]byte)
		if !ok {
			return nil, store.ErrBadField
		}
		r.value = clone(v)
	case store.FieldExpiry:
		ts, ok := value.(int64)
		if !ok {
			return nil, store.ErrBadField
		}
		r.expiry = ts
	case store.FieldLock:
		locked, ok := value.(bool)
		if !ok {
			return nil, store.ErrBadField
		}
		// Locking is a compare-and-set: it fails like a missing key when the
		// record is already held. Unlocking is unconditional.
		if locked && r.locked {
			return nil, nil
		}
		r.locked = locked
	case store.FieldReserved:
		v, ok := value.([]byte)
		if !ok && value != nil {
			return nil, store.ErrBadField
		}
		r.reserved = clone(v)
	default:
		return nil, store.ErrBadField
	}
	s.rows[key] = r
	return tupleOf(key, r), nil
}

func (s *Store) Replace(_ context.Context, t store.Tuple) (store.Tuple, error) {
	key, r, err := rowOf(t)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[key]; !exists {
		return nil, nil
	}
	s.rows[key] = r
	return tupleOf(key, r), nil
}

func (s *Store) DeleteByKey(_ context.Context, key string) (store.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	delete(s.rows, key)
	return tupleOf(key, r), nil
}

func (s *Store) Truncate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]row)
	return nil
}

func tupleOf(key string, r row) store.Tuple {
	return store.MakeTuple(key, clone(r.value), r.expiry, r.locked, clone(r.reserved))
}

func rowOf(t store.Tuple) (string, row, error) {
	key, err := store.Key(t)
	if err != nil {
		return "", row{}, err
	}
	value, ok := t[store.FieldValue].([]byte)
	if !ok && t[store.FieldValue] != nil {
		return "", row{}, store.ErrBadField
	}
	expiry, ok := t[store.FieldExpiry].(int64)
	if !ok {
		return "", row{}, store.ErrBadField
	}
	locked, ok := t[store.FieldLock].(bool)
	if !ok {
		return "", row{}, store.ErrBadField
	}
	reserved, ok := t[store.FieldReserved].([]byte)
	if !ok && t[store.FieldReserved] != nil {
		return "", row{}, store.ErrBadField
	}
	return key, row{value: clone(value), expiry: expiry, locked: locked, reserved: clone(reserved)}, nil
}

// clone keeps stored bytes isolated from caller-held slices, the way a real
// remote store would be.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
