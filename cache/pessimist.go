package cache

import (
	"context"

	"github.com/briangreenhill/tuplecache/store"

	"github.com/rs/zerolog"
)

// pessimistic coordinates through the tuple's lock field. Locate acquires the
// record by flipping the flag with the store's conditional update, so a held
// record cannot be mutated by other pessimistic callers until a finalizing
// write clears the flag again. Every successful Locate is paired with exactly
// one such write: Update and Access replace the tuple unlocked, Delete and
// Expire remove the row, and abort paths release the flag explicitly. Only a
// process crash between those two points leaves a lock behind.
type pessimistic struct {
	store  store.Adapter
	eval   evaluator
	sink   Sink
	writer Writer // nil when the operation does not write through
	log    zerolog.Logger
	rec    *Record
}

// Locate attempts to lock the record for key. Absent keys and keys locked by
// someone else are reported identically as not acquired.
func (h *pessimistic) Locate(ctx context.Context, key string) (bool, error) {
	t, err := h.store.UpdateField(ctx, key, store.FieldLock, true)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	rec, err := RecordFromTuple(t)
	if err != nil {
		h.unlock(ctx, key)
		return false, err
	}
	rec.locked = true
	h.rec = rec
	return true, nil
}

func (h *pessimistic) Record() *Record { return h.rec }

// Insert creates the record in two phases: a locked placeholder reserves the
// key, then a full write fills it in and clears the flag. Readers seeing the
// placeholder treat it as absent. If the write-through rejects the value the
// placeholder is rolled back and the failure propagates.
func (h *pessimistic) Insert(ctx context.Context, key string, value []byte, now int64) (bool, error) {
	stored, _ := resolveExpiry(h.eval.forCreation(now))
	if stored != NoExpiry && stored <= now {
		// expired at birth: nothing is stored, nothing is published
		return false, nil
	}
	if _, err := h.store.Insert(ctx, store.MakeTuple(key, nil, NoExpiry, true, nil)); err != nil {
		return false, err
	}
	if h.writer != nil {
		if err := h.writer.Write(ctx, key, value); err != nil {
			if _, derr := h.store.DeleteByKey(ctx, key); derr != nil {
				h.log.Error().Err(derr).Str("key", key).Msg("failed to roll back insert placeholder")
			}
			return false, err
		}
	}
	if _, err := h.store.Replace(ctx, store.MakeTuple(key, value, stored, false, nil)); err != nil {
		return false, err
	}
	h.sink.Notify(createdEvent(key, value))
	return true, nil
}

func (h *pessimistic) Update(ctx context.Context, value []byte, now int64) error {
	if h.rec == nil {
		return ErrHandleState
	}
	rec := h.rec
	old := rec.value
	var stored int64
	var changed bool
	if rec.IsExpiredAt(now) {
		stored, changed = resolveExpiry(h.eval.forCreation(now))
	} else {
		stored, changed = resolveExpiry(h.eval.forUpdate(now))
	}
	if h.writer != nil {
		if err := h.writer.Write(ctx, rec.key, value); err != nil {
			h.release(ctx)
			return err
		}
	}
	if changed && stored != NoExpiry && stored <= now {
		dt, err := h.store.DeleteByKey(ctx, rec.key)
		if err != nil {
			return err
		}
		if dt != nil {
			h.sink.Notify(expiredEvent(rec.key, tupleValue(dt)))
		}
		return nil
	}
	rec.value = value
	if changed {
		rec.expiry = stored
	}
	rec.locked = false
	applied, err := h.store.Replace(ctx, rec.Tuple())
	if err != nil {
		return err
	}
	if applied != nil {
		h.sink.Notify(updatedEvent(rec.key, value, old))
	}
	return nil
}

// Access finalizes with a full replace even when the policy keeps the
// deadline, because the lock flag has to be written back regardless.
func (h *pessimistic) Access(ctx context.Context, now int64) error {
	if h.rec == nil {
		return ErrHandleState
	}
	rec := h.rec
	stored, changed := resolveExpiry(h.eval.forAccess(now))
	if changed && stored != NoExpiry && stored <= now {
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
	if changed {
		rec.expiry = stored
	}
	rec.locked = false
	_, err := h.store.Replace(ctx, rec.Tuple())
	return err
}

func (h *pessimistic) Delete(ctx context.Context) error {
	if h.rec == nil {
		return ErrHandleState
	}
	if h.writer != nil {
		if err := h.writer.Delete(ctx, h.rec.key); err != nil {
			h.release(ctx)
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

func (h *pessimistic) Expire(ctx context.Context) error {
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

// release writes the lock flag back to false without touching anything else.
func (h *pessimistic) release(ctx context.Context) {
	if h.rec == nil {
		return
	}
	h.rec.locked = false
	h.unlock(ctx, h.rec.key)
}

func (h *pessimistic) unlock(ctx context.Context, key string) {
	if _, err := h.store.UpdateField(ctx, key, store.FieldLock, false); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("failed to release record lock")
	}
}

func (h *pessimistic) Close() { h.rec = nil }
