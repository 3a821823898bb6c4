// Implements a Store on top of a bbolt database.

package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// BoltStore implements Store using one bbolt bucket.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Only for tests.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// NewBoltStore opens or creates the bbolt database at path.
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening kv database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketKV, err)
	}
	b.db = db
	b.logger.Debug("opened kv store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Get implements Store.
func (b *BoltStore) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		// The slice is only valid inside the transaction; string() copies it.
		if v := tx.Bucket(bucketKV).Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return "", false, ErrClosed
	}
	return value, found, err
}

// Set implements Store.
func (b *BoltStore) Set(key, value string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("putting %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (b *BoltStore) Delete(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

// Keys implements Store. bbolt iterates keys in byte order.
func (b *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return keys, err
}

// Close implements Store.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing kv store")
	return b.db.Close()
}
