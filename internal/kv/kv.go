// Package kv provides small synchronous string key-value stores.
//
// A Store holds short string values (typically JSON documents) under string
// keys. It is the server-side counterpart of a browser's localStorage: reads
// and writes are synchronous and every Set is durable when it returns.
//
// Two implementations exist: [FileStore] keeps the whole map in a single JSON
// file rewritten atomically on each mutation, and [BoltStore] keeps each key in
// a bbolt bucket. [Open] picks one from the path extension.
package kv

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv store is closed")

// Store is a synchronous string key-value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys returns all keys in ascending order.
	Keys() ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// Open opens the store at path.
//
// Paths ending in ".db" or ".bolt" open a [BoltStore]; anything else opens a
// [FileStore].
func Open(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return NewBoltStore(path)
	default:
		return NewFileStore(path)
	}
}
