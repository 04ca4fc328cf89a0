// Package store defines the narrow tuple-store operation set the cache
// engine consumes, together with the fixed wire layout of a record tuple.
// Implementations talk to a single keyspace of an external store; the cache
// core never sees connections, retries or encodings, only tuples.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Field indexes of a record tuple. The layout is positional and fixed-width:
// adapters must produce and accept exactly Width fields in this order.
const (
	FieldKey = iota
	FieldValue
	FieldExpiry
	FieldLock
	FieldReserved

	// Width is the number of fields in a record tuple.
	Width = 5
)

// Tuple is one row of the backing keyspace in wire order:
// [0] key (string), [1] value ([]byte), [2] expiry epoch-millis (int64,
// -1 = never), [3] lock flag (bool), [4] reserved ([]byte or nil).
type Tuple []any

var (
	// ErrDuplicateKey is returned by Insert when the key already exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrBadField is returned by UpdateField for an unknown field index or a
	// value of the wrong type for that field.
	ErrBadField = errors.New("store: bad field update")
)

// Adapter is the operation set the cache engine requires from a remote tuple
// store. All operations are point-in-time: the adapter performs exactly one
// store round-trip per call and never retries (retry policy belongs to the
// transport). A nil Tuple result with a nil error means "no such key", which
// callers treat as the record having vanished concurrently.
//
// Scans return tuples in ascending key order. SelectFrom is strictly
// greater-than, so a caller resuming from the last seen key never revisits it.
//
// UpdateField(key, FieldLock, true) is conditional: it succeeds only when the
// record is currently unlocked, making it usable as a row-level
// compare-and-set. All other field updates, including unlocking, are plain
// overwrites.
type Adapter interface {
	SelectByKey(ctx context.Context, key string) (Tuple, error)
	SelectAll(ctx context.Context, limit int) ([]Tuple, error)
	SelectFrom(ctx context.Context, key string, limit int) ([]Tuple, error)
	Insert(ctx context.Context, t Tuple) (Tuple, error)
	UpdateField(ctx context.Context, key string, field int, value any) (Tuple, error)
	Replace(ctx context.Context, t Tuple) (Tuple, error)
	DeleteByKey(ctx context.Context, key string) (Tuple, error)
	Truncate(ctx context.Context) error
}

// MakeTuple assembles a record tuple in wire order.
func MakeTuple(key string, value []byte, expiry int64, locked bool, reserved []byte) Tuple {
	var res any
	if reserved != nil {
		res = reserved
	}
	return Tuple{key, value, expiry, locked, res}
}

// Key extracts the primary key of a tuple. It is a convenience for adapters
// and fails loudly on malformed input since adapters construct tuples
// themselves and a bad one is a programming error.
func Key(t Tuple) (string, error) {
	if len(t) != Width {
		return "", fmt.Errorf("store: tuple has %d fields, want %d", len(t), Width)
	}
	k, ok := t[FieldKey].(string)
	if !ok {
		return "", fmt.Errorf("store: tuple key is %T, want string", t[FieldKey])
	}
	return k, nil
}
