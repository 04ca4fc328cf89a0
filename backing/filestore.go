package backing

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/briangreenhill/tuplecache/cache"
)

// FileStore is a filesystem system of record: one file per key under a
// single directory. Useful for local development and as a durable fallback
// when no remote system of record exists.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir. An empty dir
// defaults to a per-user directory under the home directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".tuplecache")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

var _ cache.BackingStore = (*FileStore)(nil)

func (f *FileStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileStore) Write(_ context.Context, key string, value []byte) error {
	path := f.path(key)

	// write to a temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) WriteAll(ctx context.Context, entries map[string][]byte) ([]string, error) {
	var failed []string
	for k, v := range entries {
		if err := f.Write(ctx, k, v); err != nil {
			failed = append(failed, k)
		}
	}
	return failed, nil
}

func (f *FileStore) DeleteAll(ctx context.Context, keys []string) ([]string, error) {
	var failed []string
	for _, k := range keys {
		if err := f.Delete(ctx, k); err != nil {
			failed = append(failed, k)
		}
	}
	return failed, nil
}

// path generates the full filesystem path for a key.
func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key)+".bin")
}

// sanitizeKey ensures the key is safe for use as a filename.
func sanitizeKey(key string) string {
	// for very long keys, use a hash to avoid filesystem limits
	if len(key) > 200 {
		hash := md5.Sum([]byte(key))
		return fmt.Sprintf("hash_%x", hash)
	}

	unsafe := []string{"/", "\\", ":", "?", "&", "=", "#", "<", ">", "|", "*", "\"", " "}
	result := key
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	return result
}
