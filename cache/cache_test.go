package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/briangreenhill/tuplecache/store"
	"github.com/briangreenhill/tuplecache/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *memstore.Store, *eventLog, *int64) {
	t.Helper()
	ms := memstore.New()
	events := &eventLog{}
	now := int64(1000)
	base := []Option{
		WithSink(events),
		WithClock(func() time.Time { return time.UnixMilli(now) }),
	}
	c := New(ms, append(base, opts...)...)
	return c, ms, events, &now
}

func storedExpiry(t *testing.T, ms *memstore.Store, key string) int64 {
	t.Helper()
	tup, err := ms.SelectByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, tup, "expected %q to be stored", key)
	rec, err := RecordFromTuple(tup)
	require.NoError(t, err)
	return rec.Expiry()
}

// fakeBacking is a test implementation of the BackingStore interface backed
// by a map, with scriptable per-key failures.
type fakeBacking struct {
	mu       sync.Mutex
	data     map[string][]byte
	loads    map[string]int
	writes   []string
	deletes  []string
	failKeys map[string]error
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{
		data:     make(map[string][]byte),
		loads:    make(map[string]int),
		failKeys: make(map[string]error),
	}
}

func (b *fakeBacking) Load(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads[key]++
	if err := b.failKeys[key]; err != nil {
		return nil, false, err
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *fakeBacking) Write(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failKeys[key]; err != nil {
		return err
	}
	b.data[key] = value
	b.writes = append(b.writes, key)
	return nil
}

func (b *fakeBacking) WriteAll(_ context.Context, entries map[string][]byte) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failed []string
	for k, v := range entries {
		if b.failKeys[k] != nil {
			failed = append(failed, k)
			continue
		}
		b.data[k] = v
		b.writes = append(b.writes, k)
	}
	return failed, nil
}

func (b *fakeBacking) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failKeys[key]; err != nil {
		return err
	}
	delete(b.data, key)
	b.deletes = append(b.deletes, key)
	return nil
}

func (b *fakeBacking) DeleteAll(_ context.Context, keys []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failed []string
	for _, k := range keys {
		if b.failKeys[k] != nil {
			failed = append(failed, k)
			continue
		}
		delete(b.data, k)
		b.deletes = append(b.deletes, k)
	}
	return failed, nil
}

func (b *fakeBacking) loadCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads[key]
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	c, _, events, _ := newTestCache(t)
	v, ok, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Empty(t, events.all())
}

// Insert under an eternal policy, read it back any amount of time later,
// remove it, and the removal publishes exactly one event carrying the old
// value in both slots.
func TestEternalLifecycle(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []Mode{Optimistic, Pessimistic} {
		name := "optimistic"
		if mode == Pessimistic {
			name = "pessimistic"
		}
		t.Run(name, func(t *testing.T) {
			c, ms, events, now := newTestCache(t, WithMode(mode))

			require.NoError(t, c.Put(ctx, "a", []byte("1")))
			require.Equal(t, []EventKind{EventCreated}, events.kinds())

			*now += 1 << 40
			v, ok, err := c.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("1"), v)
			assert.Equal(t, NoExpiry, storedExpiry(t, ms, "a"))

			events.reset()
			removed, err := c.Remove(ctx, "a")
			require.NoError(t, err)
			assert.True(t, removed)

			_, ok, err = c.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			all := events.all()
			require.Len(t, all, 1)
			assert.Equal(t, EventRemoved, all[0].Kind)
			assert.Equal(t, []byte("1"), all[0].Value)
			assert.Equal(t, []byte("1"), all[0].OldValue)
			assert.Equal(t, 0, ms.Len())
		})
	}
}

// A 30s TTL record is alive at 29999ms and dead at 30000ms; a scan at the
// deadline evicts it with an expired, not removed, event.
func TestCreatedTTLScenario(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "b", []byte("x")))
	require.Equal(t, int64(30000), storedExpiry(t, ms, "b"))

	*now = 29999
	ok, err := c.ContainsKey(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	*now = 30000
	ok, err = c.ContainsKey(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	events.reset()
	evicted, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, ms.Len())
	require.Equal(t, []EventKind{EventExpired}, events.kinds())
	assert.Equal(t, []byte("x"), events.all()[0].Value)
}

func TestGetEvictsExpiredInPassing(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: time.Second}))
	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	*now += 5000
	events.reset()
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired record must read as a miss")
	assert.Equal(t, 0, ms.Len(), "expired record must be evicted in passing")
	assert.Equal(t, []EventKind{EventExpired}, events.kinds())
}

func TestBirthExpiredPutStoresNothing(t *testing.T) {
	ctx := context.Background()
	zero := policyFuncs{create: func(now int64) (int64, error) { return now, nil }}
	for _, mode := range []Mode{Optimistic, Pessimistic} {
		name := "optimistic"
		if mode == Pessimistic {
			name = "pessimistic"
		}
		t.Run(name, func(t *testing.T) {
			c, ms, events, _ := newTestCache(t, WithMode(mode), WithPolicy(zero))
			require.NoError(t, c.Put(ctx, "k", []byte("v")))
			assert.Equal(t, 0, ms.Len())
			assert.Empty(t, events.all())

			stored, err := c.PutIfAbsent(ctx, "k", []byte("v"))
			require.NoError(t, err)
			assert.False(t, stored)
			assert.Equal(t, 0, ms.Len())
			assert.Empty(t, events.all())
		})
	}
}

func TestPutOverwriteKeepsCreationDeadline(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v1")))

	*now = 10000
	events.reset()
	old, had, err := c.GetAndPut(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	require.True(t, had)
	assert.Equal(t, []byte("v1"), old)
	// created-TTL keeps the original deadline across updates
	assert.Equal(t, int64(30000), storedExpiry(t, ms, "k"))

	all := events.all()
	require.Equal(t, []EventKind{EventUpdated}, events.kinds())
	assert.Equal(t, []byte("v2"), all[0].Value)
	assert.Equal(t, []byte("v1"), all[0].OldValue)
}

// Writing over an expired record resurrects it with creation expiry
// semantics and reports no previous value.
func TestPutResurrectsExpiredRecord(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v1")))

	*now = 50000
	events.reset()
	old, had, err := c.GetAndPut(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, had)
	assert.Nil(t, old)
	assert.Equal(t, int64(80000), storedExpiry(t, ms, "k"))
	assert.Equal(t, []EventKind{EventUpdated}, events.kinds())
}

func TestAccessedTTLSlidesOnGet(t *testing.T) {
	ctx := context.Background()
	c, ms, _, now := newTestCache(t, WithPolicy(AccessedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	require.Equal(t, int64(30000), storedExpiry(t, ms, "k"))

	*now = 20000
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(50000), storedExpiry(t, ms, "k"))
}

func TestCreatedTTLGetDoesNotSlide(t *testing.T) {
	ctx := context.Background()
	c, ms, _, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	*now = 20000
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(30000), storedExpiry(t, ms, "k"))
}

func TestBrokenPolicyDoesNotBreakCache(t *testing.T) {
	ctx := context.Background()
	c, ms, _, _ := newTestCache(t, WithPolicy(failingPolicy{err: errors.New("boom")}))

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	assert.Equal(t, NoExpiry, storedExpiry(t, ms, "k"), "failed creation policy falls back to eternal")

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, NoExpiry, storedExpiry(t, ms, "k"))
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	c, _, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: time.Second}))

	stored, err := c.PutIfAbsent(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.PutIfAbsent(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, stored, "live record must block putIfAbsent")

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	// an expired record counts as absent
	*now += 5000
	events.reset()
	stored, err = c.PutIfAbsent(ctx, "k", []byte("v3"))
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, []EventKind{EventExpired, EventCreated}, events.kinds())
}

func TestReplaceRequiresLiveRecord(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: time.Second}))

	replaced, err := c.Replace(ctx, "k", []byte("v"))
	require.NoError(t, err)
	assert.False(t, replaced, "replace of an absent key must fail")

	require.NoError(t, c.Put(ctx, "k", []byte("v1")))
	events.reset()
	old, replaced, err := c.GetAndReplace(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, []byte("v1"), old)
	assert.Equal(t, []EventKind{EventUpdated}, events.kinds())

	*now += 5000
	events.reset()
	replaced, err = c.Replace(ctx, "k", []byte("v3"))
	require.NoError(t, err)
	assert.False(t, replaced, "replace of an expired key must fail")
	assert.Equal(t, 0, ms.Len(), "the dead record is still evicted in passing")
	assert.Equal(t, []EventKind{EventExpired}, events.kinds())
}

func TestRemoveMatrix(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: time.Second}))

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	events.reset()
	old, removed, err := c.GetAndRemove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []byte("v"), old)
	assert.Equal(t, []EventKind{EventRemoved}, events.kinds())

	require.NoError(t, c.Put(ctx, "k", []byte("v2")))
	*now += 5000
	events.reset()
	removed, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed, "removing an expired record reports false")
	assert.Equal(t, 0, ms.Len())
	assert.Equal(t, []EventKind{EventExpired}, events.kinds())
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.data["k"] = []byte("from-sor")
	c, ms, events, _ := newTestCache(t, WithBacking(backing))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-sor"), v)
	assert.Equal(t, 1, ms.Len(), "loaded value must be cached")
	assert.Equal(t, []EventKind{EventCreated}, events.kinds())

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, backing.loadCount("k"), "second get must hit the cache")

	_, ok, err = c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadThroughFailurePropagates(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	boom := errors.New("system of record is down")
	backing.failKeys["k"] = boom
	c, _, _, _ := newTestCache(t, WithBacking(backing))

	_, _, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	c, _, _, _ := newTestCache(t, WithBacking(backing))

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	assert.Equal(t, []byte("v"), backing.data["k"])

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	_, present := backing.data["k"]
	assert.False(t, present, "remove must write through")
}

func TestWriteThroughFailureAbortsPut(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	boom := errors.New("system of record is down")
	backing.failKeys["k"] = boom
	for _, mode := range []Mode{Optimistic, Pessimistic} {
		name := "optimistic"
		if mode == Pessimistic {
			name = "pessimistic"
		}
		t.Run(name, func(t *testing.T) {
			c, ms, events, _ := newTestCache(t, WithMode(mode), WithBacking(backing))
			err := c.Put(ctx, "k", []byte("v"))
			require.ErrorIs(t, err, boom)
			assert.Equal(t, 0, ms.Len(), "failed write-through must not cache the value")
			assert.Empty(t, events.all())

			// the key must not be left unusable
			require.NoError(t, c.Put(ctx, "other", []byte("v")))
		})
	}
}

func TestRemoveAbsentStillWritesThrough(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.data["k"] = []byte("sor-only")
	c, _, _, _ := newTestCache(t, WithBacking(backing))

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed, "nothing cached, so remove reports false")
	_, present := backing.data["k"]
	assert.False(t, present, "the system of record copy must still be deleted")
}

func TestPutAllPartialFailure(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.failKeys["b"] = errors.New("rejected")
	c, ms, _, _ := newTestCache(t, WithBacking(backing))

	err := c.PutAll(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	})
	var bulk *BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, []string{"b"}, bulk.Failed)

	assert.Equal(t, 2, ms.Len())
	ok, err := c.ContainsKey(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.ContainsKey(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "a key the system of record rejected must not be cached")
}

func TestPutAllWithoutBacking(t *testing.T) {
	ctx := context.Background()
	c, ms, _, _ := newTestCache(t)
	require.NoError(t, c.PutAll(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	assert.Equal(t, 2, ms.Len())
}

func TestRemoveAllPartialFailure(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.failKeys["y"] = errors.New("rejected")
	c, _, _, _ := newTestCache(t, WithBacking(backing))
	require.NoError(t, c.PutAll(ctx, map[string][]byte{"x": []byte("1")}))
	require.NoError(t, c.Put(ctx, "z", []byte("3")))
	// y only exists cache-side, seeded without write-through
	_, _, err := c.putWith(ctx, "y", []byte("2"), false)
	require.NoError(t, err)

	err = c.RemoveAll(ctx, "x", "y", "z")
	var bulk *BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, []string{"y"}, bulk.Failed)

	ok, err := c.ContainsKey(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.ContainsKey(ctx, "y")
	require.NoError(t, err)
	assert.True(t, ok, "a key the system of record could not delete stays cached")
	ok, err = c.ContainsKey(ctx, "z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveAllEntriesClassifiesRecords(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t, WithPolicy(CreatedTTL{TTL: time.Second}))
	require.NoError(t, c.Put(ctx, "dead", []byte("1")))
	*now += 5000
	require.NoError(t, c.Put(ctx, "live", []byte("2")))

	events.reset()
	require.NoError(t, c.RemoveAllEntries(ctx))
	assert.Equal(t, 0, ms.Len())

	byKey := make(map[string]EventKind)
	for _, e := range events.all() {
		byKey[e.Key] = e.Kind
	}
	assert.Equal(t, EventExpired, byKey["dead"])
	assert.Equal(t, EventRemoved, byKey["live"])
}

func TestSweepLeavesLiveRecordsUntouched(t *testing.T) {
	ctx := context.Background()
	c, ms, _, now := newTestCache(t, WithPolicy(AccessedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "live", []byte("1")))
	require.NoError(t, c.Put(ctx, "dead", []byte("2")))
	_, err := ms.UpdateField(ctx, "dead", store.FieldExpiry, int64(10))
	require.NoError(t, err)

	*now = 1000
	evicted, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	// sweeping is maintenance, not access: the sliding deadline must not move
	assert.Equal(t, int64(30000), storedExpiry(t, ms, "live"))
}

func TestIterateAppliesAccessSemantics(t *testing.T) {
	ctx := context.Background()
	c, ms, _, now := newTestCache(t, WithPolicy(AccessedTTL{TTL: 30 * time.Second}))
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	*now = 10000
	cur, err := c.Iterate(ctx)
	require.NoError(t, err)
	defer cur.Close()
	require.True(t, cur.Next(ctx))
	assert.Equal(t, "k", cur.Record().Key())
	assert.Equal(t, int64(40000), storedExpiry(t, ms, "k"))
	assert.False(t, cur.Next(ctx))
	require.NoError(t, cur.Err())
}

func TestLoadAllSeedsAndReplaces(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.data["a"] = []byte("sor-a")
	backing.data["b"] = []byte("sor-b")
	c, _, _, _ := newTestCache(t, WithBacking(backing))

	require.NoError(t, c.Put(ctx, "a", []byte("cached-a")))

	// replace=false fills gaps only
	require.NoError(t, c.LoadAll(ctx, []string{"a", "b", "missing"}, false))
	v, _, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("cached-a"), v)
	v, ok, err := c.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("sor-b"), v)

	// replace=true overwrites
	require.NoError(t, c.LoadAll(ctx, []string{"a"}, true))
	v, _, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("sor-a"), v)
}

func TestLoadAllReportsFailedKeys(t *testing.T) {
	ctx := context.Background()
	backing := newFakeBacking()
	backing.data["good"] = []byte("v")
	backing.failKeys["bad"] = errors.New("unreachable")
	c, _, _, _ := newTestCache(t, WithBacking(backing))

	err := c.LoadAll(ctx, []string{"good", "bad"}, false)
	var bulk *BulkError
	require.ErrorAs(t, err, &bulk)
	assert.Equal(t, []string{"bad"}, bulk.Failed)

	ok, err := c.ContainsKey(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok, "the rest of the batch must still load")
}

func TestClearPublishesNothing(t *testing.T) {
	ctx := context.Background()
	c, ms, events, _ := newTestCache(t)
	require.NoError(t, c.Put(ctx, "a", []byte("1")))
	require.NoError(t, c.Put(ctx, "b", []byte("2")))
	events.reset()

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, ms.Len())
	assert.Empty(t, events.all())
}

func TestContainsKeyIgnoresPlaceholders(t *testing.T) {
	ctx := context.Background()
	c, ms, _, _ := newTestCache(t)
	_, err := ms.Insert(ctx, store.MakeTuple("half", nil, NoExpiry, true, nil))
	require.NoError(t, err)

	ok, err := c.ContainsKey(ctx, "half")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutGivesUpAfterRepeatedRaces(t *testing.T) {
	ctx := context.Background()
	c, ms, _, _ := newTestCache(t)
	// a permanently locked placeholder looks absent to locate but collides
	// on insert, which is exactly what a lost create race looks like
	_, err := ms.Insert(ctx, store.MakeTuple("k", nil, NoExpiry, true, nil))
	require.NoError(t, err)

	err = c.Put(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestPessimisticEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, ms, events, now := newTestCache(t,
		WithMode(Pessimistic),
		WithPolicy(AccessedTTL{TTL: 30 * time.Second}),
	)
	*now = 0
	require.NoError(t, c.Put(ctx, "k", []byte("v1")))

	*now = 10000
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, int64(40000), storedExpiry(t, ms, "k"))

	// every operation must leave the record unlocked for the next one
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, "k", []byte("again")))
	}
	_, removed, err := c.GetAndRemove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, ms.Len())
	assert.NotEmpty(t, events.all())
}
