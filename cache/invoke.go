package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/briangreenhill/tuplecache/store"
)

type entryOp uint8

const (
	entryNone entryOp = iota
	entrySet
	entryDelete
)

// Entry is the view of one key an Invoke function works on. Mutations made
// through it are buffered and applied once the function returns.
type Entry struct {
	key    string
	value  []byte
	exists bool
	read   bool
	op     entryOp
}

// Key returns the key Invoke was called with.
func (e *Entry) Key() string { return e.key }

// Exists reports whether a live value is present, reflecting any buffered
// SetValue or Delete.
func (e *Entry) Exists() bool { return e.exists }

// Value returns the current value. Reading it counts as an access for expiry
// purposes when no mutation follows.
func (e *Entry) Value() []byte {
	e.read = true
	return e.value
}

// SetValue buffers a write of v.
func (e *Entry) SetValue(v []byte) {
	e.value = v
	e.exists = true
	e.op = entrySet
}

// Delete buffers removal of the entry.
func (e *Entry) Delete() {
	e.value = nil
	e.exists = false
	e.op = entryDelete
}

// Invoke runs fn against the entry for key and applies whatever single
// outcome fn left buffered: a set becomes an update or insert, a delete
// removes the record, and a plain read touches access expiry. An error from
// fn aborts without applying anything.
func (c *Cache) Invoke(ctx context.Context, key string, fn func(*Entry) error) error {
	now := c.now()
	h := c.newHandle(true)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return err
	}
	exists := false
	var value []byte
	if found {
		rec := h.Record()
		if rec.IsExpiredAt(now) {
			if err := h.Expire(ctx); err != nil {
				return err
			}
			found = false
		} else {
			exists = true
			value = rec.Value()
		}
	}
	e := &Entry{key: key, value: value, exists: exists}
	if err := fn(e); err != nil {
		if found {
			h.release(ctx)
		}
		return err
	}
	switch e.op {
	case entrySet:
		if found {
			return h.Update(ctx, e.value, now)
		}
		if _, err := h.Insert(ctx, key, e.value, now); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return fmt.Errorf("invoke %q: %w", key, ErrConflict)
			}
			return err
		}
		return nil
	case entryDelete:
		if found {
			return h.Delete(ctx)
		}
		if c.writer != nil {
			return c.writer.Delete(ctx, key)
		}
		return nil
	default:
		if found {
			if e.read {
				return h.Access(ctx, now)
			}
			h.release(ctx)
		}
		return nil
	}
}
