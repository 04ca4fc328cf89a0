// Package cache implements a key/value cache on top of a remote tuple store.
// Records carry their own expiry deadline and are evicted lazily, in passing,
// by the operations that encounter them. Mutations can be guarded either
// optimistically or through store-side record locks, can write through to a
// system of record, and publish lifecycle events to a Sink.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/briangreenhill/tuplecache/store"

	"github.com/rs/zerolog"
)

// Mode selects how mutations defend against concurrent writers.
type Mode uint8

const (
	// Optimistic reads then writes with no store-side coordination. Races
	// resolve last-write-wins; records that vanish mid-operation are treated
	// as absent.
	Optimistic Mode = iota

	// Pessimistic locks a record through the store before mutating it, at
	// the cost of extra round trips per contested operation.
	Pessimistic
)

// putAttempts bounds how often a put retries after losing a create race.
const putAttempts = 2

// Cache is the facade over one tuple store region. All operations take their
// logical time once, up front, and judge every deadline against it.
type Cache struct {
	adapter store.Adapter
	loader  Loader
	writer  Writer
	policy  Policy
	mode    Mode
	sink    Sink
	page    int
	log     zerolog.Logger
	clock   func() time.Time
	eval    evaluator
}

// Option configures a Cache.
type Option func(*Cache)

// WithPolicy sets the expiry policy. The default keeps records forever.
func WithPolicy(p Policy) Option {
	return func(c *Cache) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithMode selects the concurrency mode. The default is Optimistic.
func WithMode(m Mode) Option {
	return func(c *Cache) { c.mode = m }
}

// WithSink routes lifecycle events to s. Use a Fanout to feed several sinks.
func WithSink(s Sink) Option {
	return func(c *Cache) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithBacking attaches a system of record for read-through and write-through.
func WithBacking(b BackingStore) Option {
	return func(c *Cache) {
		c.loader = b
		c.writer = b
	}
}

// WithLoader attaches a read-through source without write-through.
func WithLoader(l Loader) Option {
	return func(c *Cache) { c.loader = l }
}

// WithPageSize sets how many tuples a cursor fetches per store round trip.
// The default of 1 keeps walks maximally lazy.
func WithPageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.page = n
		}
	}
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.clock = fn
		}
	}
}

// New builds a Cache over the given store adapter.
func New(adapter store.Adapter, opts ...Option) *Cache {
	c := &Cache{
		adapter: adapter,
		policy:  EternalPolicy{},
		mode:    Optimistic,
		sink:    NopSink,
		page:    1,
		log:     zerolog.Nop(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.eval = evaluator{policy: c.policy, log: c.log}
	return c
}

func (c *Cache) now() int64 { return c.clock().UnixMilli() }

func (c *Cache) newHandle(writeThrough bool) handle {
	var w Writer
	if writeThrough {
		w = c.writer
	}
	if c.mode == Pessimistic {
		return &pessimistic{store: c.adapter, eval: c.eval, sink: c.sink, writer: w, log: c.log}
	}
	return &optimistic{store: c.adapter, eval: c.eval, sink: c.sink, writer: w, log: c.log}
}

// Get returns the value for key. A record past its deadline is evicted in
// passing and treated as a miss; misses consult the read-through loader when
// one is attached.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := c.now()
	h := c.newHandle(false)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		rec := h.Record()
		if !rec.IsExpiredAt(now) {
			value := rec.Value()
			if err := h.Access(ctx, now); err != nil {
				return nil, false, err
			}
			return value, true, nil
		}
		if err := h.Expire(ctx); err != nil {
			return nil, false, err
		}
	}
	return c.loadThrough(ctx, key, now)
}

// loadThrough seeds the cache from the loader after a miss. Loaded values do
// not write through.
func (c *Cache) loadThrough(ctx context.Context, key string, now int64) ([]byte, bool, error) {
	if c.loader == nil {
		return nil, false, nil
	}
	value, ok, err := c.loader.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	h := c.newHandle(false)
	defer h.Close()
	if _, err := h.Insert(ctx, key, value, now); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return nil, false, err
	}
	return value, true, nil
}

// ContainsKey reports whether a live, fully created record exists for key.
// It touches neither access expiry nor the loader.
func (c *Cache) ContainsKey(ctx context.Context, key string) (bool, error) {
	t, err := c.adapter.SelectByKey(ctx, key)
	if err != nil || t == nil {
		return false, err
	}
	rec, err := RecordFromTuple(t)
	if err != nil {
		return false, err
	}
	return !rec.locked && !rec.IsExpiredAt(c.now()), nil
}

// Put stores value under key, creating or overwriting as needed.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	_, _, err := c.putWith(ctx, key, value, true)
	return err
}

// GetAndPut stores value under key and returns the previous value, if a live
// one existed.
func (c *Cache) GetAndPut(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	return c.putWith(ctx, key, value, true)
}

func (c *Cache) putWith(ctx context.Context, key string, value []byte, writeThrough bool) ([]byte, bool, error) {
	now := c.now()
	for attempt := 0; attempt < putAttempts; attempt++ {
		h := c.newHandle(writeThrough)
		found, err := h.Locate(ctx, key)
		if err != nil {
			h.Close()
			return nil, false, err
		}
		if found {
			// an expired record is overwritten in place; the handle applies
			// creation expiry semantics to it. Its stale value is not
			// reported as a previous value.
			rec := h.Record()
			var old []byte
			var had bool
			if !rec.IsExpiredAt(now) {
				old = rec.Value()
				had = true
			}
			err := h.Update(ctx, value, now)
			h.Close()
			if err != nil {
				return nil, false, err
			}
			return old, had, nil
		}
		_, err = h.Insert(ctx, key, value, now)
		h.Close()
		if err == nil {
			return nil, false, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, false, err
		}
		// lost the create race, go around and update instead
	}
	return nil, false, ErrConflict
}

// PutIfAbsent stores value only when no live record exists for key. It
// reports whether the value was stored.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	now := c.now()
	h := c.newHandle(true)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		rec := h.Record()
		if !rec.IsExpiredAt(now) {
			h.release(ctx)
			return false, nil
		}
		if err := h.Expire(ctx); err != nil {
			return false, err
		}
	}
	ok, err := h.Insert(ctx, key, value, now)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Replace overwrites key only when a live record exists. It reports whether
// an overwrite happened.
func (c *Cache) Replace(ctx context.Context, key string, value []byte) (bool, error) {
	_, replaced, err := c.replace(ctx, key, value)
	return replaced, err
}

// GetAndReplace overwrites key only when a live record exists and returns
// the previous value.
func (c *Cache) GetAndReplace(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	return c.replace(ctx, key, value)
}

func (c *Cache) replace(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	now := c.now()
	h := c.newHandle(true)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	rec := h.Record()
	if rec.IsExpiredAt(now) {
		if err := h.Expire(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	old := rec.Value()
	if err := h.Update(ctx, value, now); err != nil {
		return nil, false, err
	}
	return old, true, nil
}

// Remove deletes key. It reports whether a live record was removed. The
// write-through delete runs even when the cache holds nothing, since the
// system of record may still know the key.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	_, removed, err := c.remove(ctx, key)
	return removed, err
}

// GetAndRemove deletes key and returns the value the live record held.
func (c *Cache) GetAndRemove(ctx context.Context, key string) ([]byte, bool, error) {
	return c.remove(ctx, key)
}

func (c *Cache) remove(ctx context.Context, key string) ([]byte, bool, error) {
	now := c.now()
	h := c.newHandle(true)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		if c.writer != nil {
			if err := c.writer.Delete(ctx, key); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil
	}
	rec := h.Record()
	if rec.IsExpiredAt(now) {
		if c.writer != nil {
			if err := c.writer.Delete(ctx, key); err != nil {
				h.release(ctx)
				return nil, false, err
			}
		}
		if err := h.Expire(ctx); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	old := rec.Value()
	if err := h.Delete(ctx); err != nil {
		return nil, false, err
	}
	return old, true, nil
}

// Iterate starts a lazy key-ordered walk over all live records. Yielded
// records receive the same access expiry treatment a Get would apply.
func (c *Cache) Iterate(ctx context.Context) (*Cursor, error) {
	return newCursor(ctx, c.adapter, c.eval, c.sink, c.now(), c.page, true)
}

// Sweep walks the whole region evicting expired records, without touching
// access expiry on the live ones. It returns how many records were evicted.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cur, err := newCursor(ctx, c.adapter, c.eval, c.sink, c.now(), c.page, false)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	for cur.Next(ctx) {
	}
	return cur.Evicted(), cur.Err()
}

// RemoveAllEntries removes every record in the region, publishing a removed
// event for each live record and an expired event for each dead one.
func (c *Cache) RemoveAllEntries(ctx context.Context) error {
	cur, err := newCursor(ctx, c.adapter, c.eval, c.sink, c.now(), c.page, false)
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Next(ctx) {
		if c.writer != nil {
			if err := c.writer.Delete(ctx, cur.Record().Key()); err != nil {
				return err
			}
		}
		if err := cur.Remove(ctx); err != nil {
			return err
		}
	}
	return cur.Err()
}

// RemoveAll removes the given keys. With write-through attached the system
// of record is asked first and keys it could not delete stay cached; those
// keys are reported in a BulkError after the rest were removed.
func (c *Cache) RemoveAll(ctx context.Context, keys ...string) error {
	remaining := keys
	var failed []string
	if c.writer != nil {
		var err error
		failed, err = c.writer.DeleteAll(ctx, keys)
		if err != nil {
			return err
		}
		remaining = subtract(keys, failed)
	}
	now := c.now()
	for _, key := range remaining {
		if err := c.dropLocal(ctx, key, now); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &BulkError{Op: "remove-all", Failed: failed}
	}
	return nil
}

func (c *Cache) dropLocal(ctx context.Context, key string, now int64) error {
	h := c.newHandle(false)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if h.Record().IsExpiredAt(now) {
		return h.Expire(ctx)
	}
	return h.Delete(ctx)
}

// PutAll stores a batch of entries. With write-through attached the system
// of record is asked first and entries it rejected are not cached; those
// keys are reported in a BulkError after the rest were stored.
func (c *Cache) PutAll(ctx context.Context, entries map[string][]byte) error {
	apply := entries
	var failed []string
	if c.writer != nil {
		var err error
		failed, err = c.writer.WriteAll(ctx, entries)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			apply = make(map[string][]byte, len(entries))
			for k, v := range entries {
				apply[k] = v
			}
			for _, k := range failed {
				delete(apply, k)
			}
		}
	}
	for key, value := range apply {
		if _, _, err := c.putWith(ctx, key, value, false); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &BulkError{Op: "put-all", Failed: failed}
	}
	return nil
}

// LoadAll warms the cache from the loader. With replace set, loaded values
// overwrite live records; otherwise only absent or expired keys are filled.
// Keys the loader failed on are reported in a BulkError after the rest were
// handled.
func (c *Cache) LoadAll(ctx context.Context, keys []string, replace bool) error {
	if c.loader == nil {
		return nil
	}
	var failed []string
	for _, key := range keys {
		value, ok, err := c.loader.Load(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("load-all: loader failed for key")
			failed = append(failed, key)
			continue
		}
		if !ok {
			continue
		}
		if replace {
			if _, _, err := c.putWith(ctx, key, value, false); err != nil {
				return err
			}
			continue
		}
		if err := c.seed(ctx, key, value); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &BulkError{Op: "load-all", Failed: failed}
	}
	return nil
}

// seed inserts a loaded value unless a live record already holds the key.
func (c *Cache) seed(ctx context.Context, key string, value []byte) error {
	now := c.now()
	h := c.newHandle(false)
	defer h.Close()
	found, err := h.Locate(ctx, key)
	if err != nil {
		return err
	}
	if found {
		rec := h.Record()
		if !rec.IsExpiredAt(now) {
			h.release(ctx)
			return nil
		}
		if err := h.Expire(ctx); err != nil {
			return err
		}
	}
	if _, err := h.Insert(ctx, key, value, now); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return err
	}
	return nil
}

// Clear wipes the region in one store call. No events are published.
func (c *Cache) Clear(ctx context.Context) error {
	return c.adapter.Truncate(ctx)
}

func subtract(keys, drop []string) []string {
	if len(drop) == 0 {
		return keys
	}
	dropped := make(map[string]struct{}, len(drop))
	for _, k := range drop {
		dropped[k] = struct{}{}
	}
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := dropped[k]; !ok {
			kept = append(kept, k)
		}
	}
	return kept
}
