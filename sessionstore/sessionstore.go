// Package sessionstore adapts a tuple store keyspace to the session store
// interfaces of alexedwards/scs, so HTTP sessions can live next to cached
// data on the same backend. Session records reuse the cache tuple layout:
// the token is the key, the encoded session is the value and the scs expiry
// lands in the expiry field. Expired tokens read as missing and are deleted
// in passing by Find; Prune sweeps the leftovers.
package sessionstore

import (
	"context"
	"errors"
	"time"

	scs "github.com/alexedwards/scs/v2"

	"github.com/briangreenhill/tuplecache/cache"
	"github.com/briangreenhill/tuplecache/store"
)

// commitAttempts bounds how often Commit retries after losing both sides of
// an insert/replace race.
const commitAttempts = 2

// pageSize is how many tuples All and Prune pull per store round trip.
const pageSize = 32

var errCommitConflict = errors.New("sessionstore: commit lost repeated races")

// Store implements scs.Store, scs.CtxStore and their iterable variants over a
// store.Adapter. Give it its own keyspace; it treats every tuple it sees as a
// session record.
type Store struct {
	adapter store.Adapter
	clock   func() time.Time
}

var (
	_ scs.Store            = (*Store)(nil)
	_ scs.CtxStore         = (*Store)(nil)
	_ scs.IterableStore    = (*Store)(nil)
	_ scs.IterableCtxStore = (*Store)(nil)
)

// New builds a session store over the given adapter.
func New(adapter store.Adapter) *Store {
	return &Store{adapter: adapter, clock: time.Now}
}

// Find returns the session data for token. Expired or missing tokens report
// found=false; an expired record is deleted on the way out.
func (s *Store) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

func (s *Store) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	t, err := s.adapter.SelectByKey(ctx, token)
	if err != nil || t == nil {
		return nil, false, err
	}
	rec, err := cache.RecordFromTuple(t)
	if err != nil {
		return nil, false, err
	}
	if rec.IsExpiredAt(s.clock().UnixMilli()) {
		// best effort; Prune catches anything this misses
		_, _ = s.adapter.DeleteByKey(ctx, token)
		return nil, false, nil
	}
	return rec.Value(), true, nil
}

// Commit upserts the session data for token with the given expiry.
func (s *Store) Commit(token string, b []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, b, expiry)
}

func (s *Store) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	deadline := cache.NoExpiry
	if !expiry.IsZero() {
		deadline = expiry.UnixMilli()
	}
	t := store.MakeTuple(token, b, deadline, false, nil)
	for attempt := 0; attempt < commitAttempts; attempt++ {
		_, err := s.adapter.Insert(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return err
		}
		replaced, err := s.adapter.Replace(ctx, t)
		if err != nil {
			return err
		}
		if replaced != nil {
			return nil
		}
		// the record vanished between insert and replace, go around
	}
	return errCommitConflict
}

// Delete removes the session for token. Deleting an unknown token is a no-op.
func (s *Store) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}

func (s *Store) DeleteCtx(ctx context.Context, token string) error {
	_, err := s.adapter.DeleteByKey(ctx, token)
	return err
}

// All returns the data for every unexpired session in the keyspace.
func (s *Store) All() (map[string][]byte, error) {
	return s.AllCtx(context.Background())
}

func (s *Store) AllCtx(ctx context.Context) (map[string][]byte, error) {
	now := s.clock().UnixMilli()
	sessions := make(map[string][]byte)
	err := s.walk(ctx, func(rec *cache.Record) error {
		if !rec.IsExpiredAt(now) {
			sessions[rec.Key()] = rec.Value()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Prune deletes every expired session record and reports how many it removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.clock().UnixMilli()
	pruned := 0
	err := s.walk(ctx, func(rec *cache.Record) error {
		if !rec.IsExpiredAt(now) {
			return nil
		}
		if _, err := s.adapter.DeleteByKey(ctx, rec.Key()); err != nil {
			return err
		}
		pruned++
		return nil
	})
	return pruned, err
}

// walk visits every tuple in the keyspace in key order. The continuation key
// is taken from the last tuple of each page, so visiting may delete records
// without derailing the scan.
func (s *Store) walk(ctx context.Context, visit func(*cache.Record) error) error {
	page, err := s.adapter.SelectAll(ctx, pageSize)
	if err != nil {
		return err
	}
	for len(page) > 0 {
		var last string
		for _, t := range page {
			rec, err := cache.RecordFromTuple(t)
			if err != nil {
				return err
			}
			last = rec.Key()
			if err := visit(rec); err != nil {
				return err
			}
		}
		page, err = s.adapter.SelectFrom(ctx, last, pageSize)
		if err != nil {
			return err
		}
	}
	return nil
}
