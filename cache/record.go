package cache

import "github.com/briangreenhill/tuplecache/store"

// Record is the in-memory form of one stored tuple. Handles and cursors
// rehydrate a Record from every store response they act on, so a Record never
// outlives the operation that read it.
type Record struct {
	key      string
	value    []byte
	expiry   int64
	locked   bool
	reserved []byte
}

// RecordFromTuple validates a raw store tuple against the record schema and
// builds the Record for it.
func RecordFromTuple(t store.Tuple) (*Record, error) {
	if len(t) != store.Width {
		return nil, &MalformedTupleError{Fields: len(t), Field: -1, Detail: "unexpected field count"}
	}
	key, ok := t[store.FieldKey].(string)
	if !ok {
		return nil, &MalformedTupleError{Fields: len(t), Field: store.FieldKey, Detail: "key is not a string"}
	}
	value, ok := asBytes(t[store.FieldValue])
	if !ok {
		return nil, &MalformedTupleError{Fields: len(t), Field: store.FieldValue, Detail: "value is not a byte slice"}
	}
	expiry, ok := t[store.FieldExpiry].(int64)
	if !ok {
		return nil, &MalformedTupleError{Fields: len(t), Field: store.FieldExpiry, Detail: "expiry is not an int64"}
	}
	locked, ok := t[store.FieldLock].(bool)
	if !ok {
		return nil, &MalformedTupleError{Fields: len(t), Field: store.FieldLock, Detail: "lock flag is not a bool"}
	}
	reserved, ok := asBytes(t[store.FieldReserved])
	if !ok {
		return nil, &MalformedTupleError{Fields: len(t), Field: store.FieldReserved, Detail: "reserved field is not a byte slice"}
	}
	return &Record{key: key, value: value, expiry: expiry, locked: locked, reserved: reserved}, nil
}

func asBytes(v any) ([]byte, bool) {
	if v == nil {
		return nil, true
	}
	b, ok := v.([]byte)
	return b, ok
}

// Key returns the record's key.
func (r *Record) Key() string { return r.key }

// Value returns the stored value bytes.
func (r *Record) Value() []byte { return r.value }

// Expiry returns the expiry deadline in epoch milliseconds, or NoExpiry.
func (r *Record) Expiry() int64 { return r.expiry }

// Locked reports whether the record carries the store-side lock flag. A
// locked record is a creation in progress and is never surfaced as a hit.
func (r *Record) Locked() bool { return r.locked }

// IsExpiredAt reports whether the record is dead at the given instant.
// Deadlines are inclusive: a record whose expiry equals now is expired.
func (r *Record) IsExpiredAt(now int64) bool {
	return r.expiry != NoExpiry && r.expiry <= now
}

// Tuple renders the record back into store field order.
func (r *Record) Tuple() store.Tuple {
	return store.MakeTuple(r.key, r.value, r.expiry, r.locked, r.reserved)
}

// fieldOp is a single pending field mutation.
type fieldOp struct {
	field int
	value any
}

// changeset collects the tuple fields one operation touches. Each mutation
// builds its own changeset and applies it exactly once, so stale write plans
// cannot leak between operations.
type changeset []fieldOp

func (cs changeset) with(field int, value any) changeset {
	return append(cs, fieldOp{field: field, value: value})
}
