// Package blobstore stores binary payloads keyed by an opaque id.
//
// It is the server-side counterpart of an IndexedDB object store keyed by id:
// each [Record] carries its bytes plus the few descriptive fields needed to
// serve them back (name, content type, creation time).
//
// [DirStore] writes one file per record in a fan-out directory tree.
// [SQLiteStore] keeps records in a single SQLite database. [Open] picks one
// from a location string.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for the id.
	ErrNotFound = errors.New("blob not found")

	errInvalidID = errors.New("invalid blob id")
)

// Record is a stored binary payload.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Created     time.Time `json:"created"`
	Data        []byte    `json:"-"`
}

// Size returns the payload length in bytes.
func (r *Record) Size() int64 {
	return int64(len(r.Data))
}

// Store persists Records keyed by ID.
type Store interface {
	// Put stores rec, replacing any record with the same ID.
	Put(ctx context.Context, rec *Record) error
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Delete removes the record for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns all stored ids.
	List(ctx context.Context) ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// Open opens the blob store at location.
//
// "sqlite:<path>" and paths ending in ".db" or ".sqlite" open a [SQLiteStore];
// anything else is treated as a directory for a [DirStore].
func Open(location string) (Store, error) {
	if p, ok := strings.CutPrefix(location, "sqlite:"); ok {
		return NewSQLiteStore(p)
	}
	switch strings.ToLower(filepath.Ext(location)) {
	case ".db", ".sqlite":
		return NewSQLiteStore(location)
	}
	return NewDirStore(location)
}

// ValidateID checks that id is usable as a key by every backend.
//
// Ids are 1 to 128 characters from [A-Za-z0-9_-] and may contain dots but
// not start with one.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("%w: %q", errInvalidID, id)
		}
	}
	return nil
}
