package cache

import (
	"context"

	"github.com/briangreenhill/tuplecache/store"
)

type cursorState uint8

const (
	cursorActive cursorState = iota
	cursorDone
)

// Cursor walks all records in key order, loading one page ahead of the
// consumer. Expiry is judged against the instant the cursor was created, so a
// long walk sees one consistent cut of the data: records already dead at that
// instant are evicted in passing and never yielded, records alive at it are
// yielded even if the walk itself then expires them.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	store   store.Adapter
	eval    evaluator
	sink    Sink
	now     int64
	page    int
	touch   bool // apply access expiry semantics to yielded records
	state   cursorState
	rec     *Record
	removed bool
	ahead   []store.Tuple
	evicted int
	err     error
}

func newCursor(ctx context.Context, adapter store.Adapter, eval evaluator, sink Sink, now int64, page int, touch bool) (*Cursor, error) {
	if page < 1 {
		page = 1
	}
	first, err := adapter.SelectAll(ctx, page)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		store: adapter,
		eval:  eval,
		sink:  sink,
		now:   now,
		page:  page,
		touch: touch,
		ahead: first,
	}, nil
}

// Next advances to the next live record. It returns false when the walk is
// exhausted or failed; Err distinguishes the two.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.state == cursorDone {
		return false
	}
	c.rec = nil
	for {
		if len(c.ahead) == 0 {
			c.state = cursorDone
			return false
		}
		t := c.ahead[0]
		c.ahead = c.ahead[1:]
		rec, err := RecordFromTuple(t)
		if err != nil {
			return c.fail(err)
		}
		// top up the lookahead before this record can be evicted, so the
		// continuation point is always a key that was really yielded by
		// the store
		if len(c.ahead) == 0 {
			more, err := c.store.SelectFrom(ctx, rec.key, c.page)
			if err != nil {
				return c.fail(err)
			}
			c.ahead = more
		}
		if rec.locked {
			// creation in progress, not visible yet
			continue
		}
		if rec.IsExpiredAt(c.now) {
			if err := c.evict(ctx, rec.key); err != nil {
				return c.fail(err)
			}
			continue
		}
		c.rec = rec
		c.removed = false
		if c.touch {
			if err := c.applyAccess(ctx, rec); err != nil {
				return c.fail(err)
			}
		}
		return true
	}
}

// Record returns the record the cursor is positioned on, or nil.
func (c *Cursor) Record() *Record {
	if c.state == cursorDone {
		return nil
	}
	return c.rec
}

// Remove deletes the record the cursor is positioned on and publishes a
// removed event. It can be called at most once per yielded record.
func (c *Cursor) Remove(ctx context.Context) error {
	if c.state == cursorDone || c.rec == nil || c.removed {
		return ErrCursorState
	}
	c.removed = true
	dt, err := c.store.DeleteByKey(ctx, c.rec.key)
	if err != nil {
		return err
	}
	if dt != nil {
		c.sink.Notify(removedEvent(c.rec.key, tupleValue(dt)))
	}
	return nil
}

// Err returns the error that terminated the walk, if any.
func (c *Cursor) Err() error { return c.err }

// Evicted returns how many expired records the walk has dropped so far.
func (c *Cursor) Evicted() int { return c.evicted }

// Close ends the walk. It performs no store I/O.
func (c *Cursor) Close() {
	c.state = cursorDone
	c.rec = nil
	c.ahead = nil
}

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.state = cursorDone
	c.rec = nil
	return false
}

func (c *Cursor) evict(ctx context.Context, key string) error {
	dt, err := c.store.DeleteByKey(ctx, key)
	if err != nil {
		return err
	}
	if dt != nil {
		c.sink.Notify(expiredEvent(key, tupleValue(dt)))
		c.evicted++
	}
	return nil
}

// applyAccess gives the yielded record the same read expiry treatment a get
// would. A record the policy expires here was still alive at the cursor's
// cut and stays yielded.
func (c *Cursor) applyAccess(ctx context.Context, rec *Record) error {
	stored, changed := resolveExpiry(c.eval.forAccess(c.now))
	if !changed {
		return nil
	}
	if stored != NoExpiry && stored <= c.now {
		dt, err := c.store.DeleteByKey(ctx, rec.key)
		if err != nil {
			return err
		}
		if dt != nil {
			c.sink.Notify(expiredEvent(rec.key, tupleValue(dt)))
		}
		c.removed = true
		rec.expiry = stored
		return nil
	}
	if _, err := c.store.UpdateField(ctx, rec.key, store.FieldExpiry, stored); err != nil {
		return err
	}
	rec.expiry = stored
	return nil
}
