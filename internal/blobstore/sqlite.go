// Implements a Store on pure-Go SQLite.

package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite (modernc.org/sqlite).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed blob store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		created_ms   INTEGER NOT NULL,
		data         BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (id, name, content_type, created_ms, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			content_type = excluded.content_type,
			created_ms = excluded.created_ms,
			data = excluded.data`,
		rec.ID, rec.Name, rec.ContentType, rec.Created.UnixMilli(), data,
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", rec.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rec := &Record{ID: id}
	var createdMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT name, content_type, created_ms, data FROM blobs WHERE id = ?", id,
	).Scan(&rec.Name, &rec.ContentType, &createdMs, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	rec.Created = time.UnixMilli(createdMs)
	return rec, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM blobs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
