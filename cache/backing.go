package cache

import "context"

// Loader reads values from the system of record when the cache misses.
type Loader interface {
	// Load fetches the value for key. ok is false when the system of record
	// holds nothing for the key; err means the fetch itself failed.
	Load(ctx context.Context, key string) (value []byte, ok bool, err error)
}

// Writer pushes mutations to the system of record before they take effect in
// the cache. A Writer failure aborts the cache mutation it guards.
type Writer interface {
	// Write persists key with value.
	Write(ctx context.Context, key string, value []byte) error

	// WriteAll persists a batch. It returns the keys it could not persist;
	// err is reserved for wholesale failures where nothing was attempted.
	WriteAll(ctx context.Context, entries map[string][]byte) (failed []string, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes a batch. It returns the keys it could not remove;
	// err is reserved for wholesale failures where nothing was attempted.
	DeleteAll(ctx context.Context, keys []string) (failed []string, err error)
}

// BackingStore is a read-through and write-through system of record.
type BackingStore interface {
	Loader
	Writer
}
