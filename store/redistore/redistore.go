// Package redistore implements the tuple store contract on Redis. Each record
// lives in a hash keyed by the record key, and a zero-score sorted set indexes
// the keys so scans come back in byte order.
//
// Expiry is deliberately not mapped to Redis TTLs: the cache engine needs
// expired tuples to stay readable so it can evict or overwrite them itself.
// Multi-step operations (insert-if-absent, the lock compare-and-set, replace,
// delete) run as Lua scripts so each one is a single atomic round-trip.
package redistore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/briangreenhill/tuplecache/store"
)

// DefaultPrefix namespaces the hash and index keys when New is given an empty
// prefix.
const DefaultPrefix = "tuplecache"

// Hash field names of one stored record. A missing v or res field reads back
// as a nil byte slice, preserving the nil/empty distinction across the wire.
const (
	hashValue    = "v"
	hashExpiry   = "exp"
	hashLock     = "locked"
	hashReserved = "res"
)

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
redis.call("HSET", KEYS[1], "exp", ARGV[3], "locked", ARGV[4])
if ARGV[1] == "1" then redis.call("HSET", KEYS[1], "v", ARGV[2]) end
if ARGV[5] == "1" then redis.call("HSET", KEYS[1], "res", ARGV[6]) end
redis.call("ZADD", KEYS[2], 0, ARGV[7])
return 1
`)

var updateFieldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return false end
if ARGV[2] == "1" then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
else
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return redis.call("HGETALL", KEYS[1])
`)

var lockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return false end
if ARGV[1] == "1" and redis.call("HGET", KEYS[1], "locked") == "1" then return false end
redis.call("HSET", KEYS[1], "locked", ARGV[1])
return redis.call("HGETALL", KEYS[1])
`)

var replaceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return false end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "exp", ARGV[3], "locked", ARGV[4])
if ARGV[1] == "1" then redis.call("HSET", KEYS[1], "v", ARGV[2]) end
if ARGV[5] == "1" then redis.call("HSET", KEYS[1], "res", ARGV[6]) end
return redis.call("HGETALL", KEYS[1])
`)

var deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return false end
local fields = redis.call("HGETALL", KEYS[1])
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return fields
`)

var truncateScript = redis.NewScript(`
local keys = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, k in ipairs(keys) do
	redis.call("DEL", ARGV[1] .. k)
end
redis.call("DEL", KEYS[1])
return #keys
`)

// Store is a store.Adapter backed by a Redis keyspace. The client is owned by
// the caller; Store never closes it.
type Store struct {
	client    redis.UniversalClient
	recPrefix string
	idx       string
}

var _ store.Adapter = (*Store)(nil)

// New builds an adapter over the given client. All keys it touches start with
// the prefix, so several keyspaces can share one Redis instance.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client:    client,
		recPrefix: prefix + ":rec:",
		idx:       prefix + ":idx",
	}
}

func (s *Store) recKey(key string) string { return s.recPrefix + key }

func (s *Store) SelectByKey(ctx context.Context, key string) (store.Tuple, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redistore: select %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return tupleFromHash(key, fields)
}

func (s *Store) SelectAll(ctx context.Context, limit int) ([]store.Tuple, error) {
	return s.scan(ctx, "-", limit)
}

func (s *Store) SelectFrom(ctx context.Context, key string, limit int) ([]store.Tuple, error) {
	return s.scan(ctx, "("+key, limit)
}

// scan pages keys out of the index and rehydrates each record. A record that
// vanishes between the index read and the hash read is dropped from the page;
// the loop keeps pulling index entries until the page is full or the index is
// exhausted, so concurrent deletes never end a scan early.
func (s *Store) scan(ctx context.Context, min string, limit int) ([]store.Tuple, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []store.Tuple
	for len(out) < limit {
		keys, err := s.client.ZRangeByLex(ctx, s.idx, &redis.ZRangeBy{
			Min:   min,
			Max:   "+",
			Count: int64(limit - len(out)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redistore: scan index: %w", err)
		}
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			fields, err := s.client.HGetAll(ctx, s.recKey(key)).Result()
			if err != nil {
				return nil, fmt.Errorf("redistore: scan %q: %w", key, err)
			}
			if len(fields) == 0 {
				continue
			}
			t, err := tupleFromHash(key, fields)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		min = "(" + keys[len(keys)-1]
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, t store.Tuple) (store.Tuple, error) {
	key, args, err := hashArgs(t)
	if err != nil {
		return nil, err
	}
	created, err := insertScript.Run(ctx, s.client, []string{s.recKey(key), s.idx}, append(args, key)...).Int()
	if err != nil {
		return nil, fmt.Errorf("redistore: insert %q: %w", key, err)
	}
	if created == 0 {
		return nil, store.ErrDuplicateKey
	}
	return t, nil
}

func (s *Store) UpdateField(ctx context.Context, key string, field int, value any) (store.Tuple, error) {
	switch field {
	case store.FieldValue:
		v, ok := value.([]byte)
		if !ok {
			return nil, store.ErrBadField
		}
		if v == nil {
			return s.runTuple(ctx, updateFieldScript, key, hashValue, "0", "")
		}
		return s.runTuple(ctx, updateFieldScript, key, hashValue, "1", v)
	case store.FieldExpiry:
		ts, ok := value.(int64)
		if !ok {
			return nil, store.ErrBadField
		}
		return s.runTuple(ctx, updateFieldScript, key, hashExpiry, "1", strconv.FormatInt(ts, 10))
	case store.FieldLock:
		locked, ok := value.(bool)
		if !ok {
			return nil, store.ErrBadField
		}
		// The script refuses to set the flag when it is already up, so the
		// losing side of a lock race reads as a miss. Clearing always lands.
		return s.runTuple(ctx, lockScript, key, boolArg(locked))
	case store.FieldReserved:
		switch v := value.(type) {
		case nil:
			return s.runTuple(ctx, updateFieldScript, key, hashReserved, "0", "")
		case []byte:
			if v == nil {
				return s.runTuple(ctx, updateFieldScript, key, hashReserved, "0", "")
			}
			return s.runTuple(ctx, updateFieldScript, key, hashReserved, "1", v)
		default:
			return nil, store.ErrBadField
		}
	default:
		return nil, store.ErrBadField
	}
}

func (s *Store) Replace(ctx context.Context, t store.Tuple) (store.Tuple, error) {
	key, args, err := hashArgs(t)
	if err != nil {
		return nil, err
	}
	return s.runTuple(ctx, replaceScript, key, args...)
}

func (s *Store) DeleteByKey(ctx context.Context, key string) (store.Tuple, error) {
	return s.runTupleWithIndex(ctx, deleteScript, key, key)
}

func (s *Store) Truncate(ctx context.Context) error {
	if err := truncateScript.Run(ctx, s.client, []string{s.idx}, s.recPrefix).Err(); err != nil {
		return fmt.Errorf("redistore: truncate: %w", err)
	}
	return nil
}

// runTuple runs a script against one record key and decodes the post-image
// hash it returns. A nil script result means the record was absent or, for
// the lock script, already held.
func (s *Store) runTuple(ctx context.Context, script *redis.Script, key string, args ...any) (store.Tuple, error) {
	return s.decodeRun(ctx, script, []string{s.recKey(key)}, key, args)
}

func (s *Store) runTupleWithIndex(ctx context.Context, script *redis.Script, key string, args ...any) (store.Tuple, error) {
	return s.decodeRun(ctx, script, []string{s.recKey(key), s.idx}, key, args)
}

func (s *Store) decodeRun(ctx context.Context, script *redis.Script, keys []string, key string, args []any) (store.Tuple, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redistore: update %q: %w", key, err)
	}
	pairs, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("redistore: update %q: unexpected reply %T", key, res)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		val, _ := pairs[i+1].(string)
		fields[name] = val
	}
	return tupleFromHash(key, fields)
}

// hashArgs flattens a tuple into the ARGV layout the insert and replace
// scripts expect: value presence flag, value, expiry, lock flag, reserved
// presence flag, reserved.
func hashArgs(t store.Tuple) (string, []any, error) {
	key, err := store.Key(t)
	if err != nil {
		return "", nil, err
	}
	expiry, ok := t[store.FieldExpiry].(int64)
	if !ok {
		return "", nil, store.ErrBadField
	}
	locked, ok := t[store.FieldLock].(bool)
	if !ok {
		return "", nil, store.ErrBadField
	}
	value, ok := t[store.FieldValue].([]byte)
	if !ok && t[store.FieldValue] != nil {
		return "", nil, store.ErrBadField
	}
	reserved, ok := t[store.FieldReserved].([]byte)
	if !ok && t[store.FieldReserved] != nil {
		return "", nil, store.ErrBadField
	}
	args := []any{
		presentArg(value), byteArg(value),
		strconv.FormatInt(expiry, 10), boolArg(locked),
		presentArg(reserved), byteArg(reserved),
	}
	return key, args, nil
}

func tupleFromHash(key string, fields map[string]string) (store.Tuple, error) {
	raw, ok := fields[hashExpiry]
	if !ok {
		return nil, fmt.Errorf("redistore: record %q has no expiry field", key)
	}
	expiry, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redistore: record %q expiry: %w", key, err)
	}
	var value, reserved []byte
	if v, ok := fields[hashValue]; ok {
		value = []byte(v)
	}
	if r, ok := fields[hashReserved]; ok {
		reserved = []byte(r)
	}
	return store.MakeTuple(key, value, expiry, fields[hashLock] == "1", reserved), nil
}

func presentArg(b []byte) string {
	if b == nil {
		return "0"
	}
	return "1"
}

func byteArg(b []byte) any {
	if b == nil {
		return ""
	}
	return b
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
