package cache

import (
	"context"

	"github.com/briangreenhill/tuplecache/store"

	"github.com/rs/zerolog"
)

// handle drives one locate, evaluate, mutate sequence against a single key.
// Implementations differ in how they defend that sequence against concurrent
// writers on the same store. A handle is single-use per located record: after
// Update, Access, Delete or Expire the caller starts over with Locate.
type handle interface {
	// Locate binds the handle to the stored record for key. It reports false
	// when the key is absent or not available to this caller.
	Locate(ctx context.Context, key string) (bool, error)

	// Record returns the currently held record, or nil when unbound.
	Record() *Record

	// Insert creates a record for key. It reports false without touching the
	// store when the creation policy expires the record at birth. A key that
	// already exists surfaces store.ErrDuplicateKey.
	Insert(ctx context.Context, key string, value []byte, now int64) (bool, error)

	// Update rewrites the held record's value, applying update expiry
	// semantics, or creation semantics when the record is being overwritten
	// after its deadline passed.
	Update(ctx context.Context, value []byte, now int64) error

	// Access applies read expiry semantics to the held record.
	Access(ctx context.Context, now int64) error

	// Delete removes the held record and publishes a removed event.
	Delete(ctx context.Context) error

	// Expire removes the held record and publishes an expired event. Used
	// when the record was found already past its deadline.
	Expire(ctx context.Context) error

	// release returns the held record to the store untouched. Used on abort
	// paths where no mutation will finalize the sequence.
	release(ctx context.Context)

	// Close drops the handle's in-memory state. It never performs store I/O.
	Close()
}

// tupleValue extracts the value bytes from a raw tuple for event payloads.
func tupleValue(t store.Tuple) []byte {
	if len(t) != store.Width {
		return nil
	}
	v, _ := t[store.FieldValue].([]byte)
	return v
}

// optimistic is the select-then-act handle. It performs no store-side
// coordination: between its read and its write another caller may have
// changed or removed the record, and the last write wins. Writes to records
// that vanished mid-sequence are treated as writes to absent keys.
type optimistic struct {
	store  store.Adapter
	eval   evaluator
	sink   Sink
	writer Writer // nil when the operation does not write through
	log    zerolog.Logger
	rec    *Record
}

func (h *optimistic) Locate(ctx context.Context, key string) (bool, error) {
	t, err := h.store.SelectByKey(ctx, key)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	rec, err := RecordFromTuple(t)
	if err != nil {
		return false, err
	}
	if rec.locked {
		// a creation in progress is not a hit
		return false, nil
	}
	h.rec = rec
	return true, nil
}

func (h *optimistic) Record() *Record { return h.rec }

func (h *optimistic) Insert(ctx context.Context, key string, value []byte, now int64) (bool, error) {
	stored, _ := resolveExpiry(h.eval.forCreation(now))
	if stored != NoExpiry && stored <= now {
		// expired at birth: nothing is stored, nothing is published
		return false, nil
	}
	if h.writer != nil {
		if err := h.writer.Write(ctx, key, value); err != nil {
			return false, err
		}
	}
	if _, err := h.store.Insert(ctx, store.MakeTuple(key, value, stored, false, nil)); err != nil {
		return false, err
	}
	h.sink.Notify(createdEvent(key, value))
	return true, nil
}

func (h *optimistic) Update(ctx context.Context, value []byte, now int64) error {
	if h.rec == nil {
		return ErrHandleState
	}
	rec := h.rec
	old := rec.value
	var stored int64
	var changed bool
	if rec.IsExpiredAt(now) {
		// overwriting a dead record restarts its life
		stored, changed = resolveExpiry(h.eval.forCreation(now))
	} else {
		stored, changed = resolveExpiry(h.eval.forUpdate(now))
	}
	if h.writer != nil {
		if err := h.writer.Write(ctx, rec.key, value); err != nil {
			return err
		}
	}
	if changed && stored != NoExpiry && stored <= now {
		// the policy killed the write on arrival: drop the record instead
		dt, err := h.store.DeleteByKey(ctx, rec.key)
		if err != nil {
			return err
		}
		if dt != nil {
			h.sink.Notify(expiredEvent(rec.key, tupleValue(dt)))
		}
		return nil
	}
	cs := changeset{}.with(store.FieldValue, value)
	rec.value = value
	if changed {
		rec.expiry = stored
		cs = cs.with(store.FieldExpiry, stored)
	}
	applied, err := h.apply(ctx, rec, cs)
	if err != nil {
		return err
	}
	if applied {
		h.sink.Notify(updatedEvent(rec.key, value, old))
	}
	return nil
}

func (h *optimistic) Access(ctx context.Context, now int64) error {
	if h.rec == nil {
		return ErrHandleState
	}
	rec := h.rec
	stored, changed := resolveExpiry(h.eval.forAccess(now))
	if !changed {
		return nil
	}
	if stored != NoExpiry && stored <= now {
		// the read itself pushed the record over its deadline
		dt, err := h.store.DeleteByKey(ctx, rec.key)
		if err != nil {
			return err
		}
		if dt != nil {
			h.sink.Notify(expiredEvent(rec.key, tupleValue(dt)))
		}
		rec.expiry = stored
		return nil
	}
	if _, err := h.store.UpdateField(ctx, rec.key, store.FieldExpiry, stored); err != nil {
		return err
	}
	rec.expiry = stored
	return nil
}

func (h *optimistic) Delete(ctx context.Context) error {
	if h.rec == nil {
		return ErrHandleState
	}
	if h.writer != nil {
		if err := h.writer.Delete(ctx, h.rec.key); err != nil {
			return err
		}
	}
	dt, err := h.store.DeleteByKey(ctx, h.rec.key)
	if err != nil {
		return err
	}
	if dt != nil {
		h.sink.Notify(removedEvent(h.rec.key, tupleValue(dt)))
	}
	return nil
}

func (h *optimistic) Expire(ctx context.Context) error {
	if h.rec == nil {
		return ErrHandleState
	}
	dt, err := h.store.DeleteByKey(ctx, h.rec.key)
	if err != nil {
		return err
	}
	if dt != nil {
		h.sink.Notify(expiredEvent(h.rec.key, tupleValue(dt)))
	}
	return nil
}

func (h *optimistic) release(context.Context) {}

func (h *optimistic) Close() { h.rec = nil }

// apply writes a changeset back, preferring a single-field update when only
// one field moved. applied is false when the record vanished mid-sequence.
func (h *optimistic) apply(ctx context.Context, rec *Record, cs changeset) (bool, error) {
	if len(cs) == 1 {
		t, err := h.store.UpdateField(ctx, rec.key, cs[0].field, cs[0].value)
		if err != nil {
			return false, err
		}
		return t != nil, nil
	}
	t, err := h.store.Replace(ctx, rec.Tuple())
	if err != nil {
		return false, err
	}
	return t != nil, nil
}
