// Implements a Store as files in a fan-out directory tree.

package blobstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// base32Enc uses the "Extended Hex" alphabet (0-9A-V), which sorts in ASCII
// order and is safe on case-insensitive filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

const tmpDirName = "tmp"

// DirStore stores each record as a single file.
//
// Files live at <dir>/<fan>/<id> where <fan> is the first two base32 chars of
// sha256(id), giving 1024-way fan-out. A file holds one JSON header line
// followed by the raw payload. Writes go to <dir>/tmp and are renamed into
// place, so readers never observe a partial record.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed and removes stale temp files
// left by an interrupted write.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDirName), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	s := &DirStore{dir: dir}
	if err := s.cleanupTmpDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put implements Store.
func (s *DirStore) Put(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	header, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal blob header: %w", err)
	}
	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDirName), "*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	w := bufio.NewWriter(f)
	_, err = w.Write(header)
	if err == nil {
		err = w.WriteByte('\n')
	}
	if err == nil {
		_, err = w.Write(rec.Data)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to write blob %s: %w", rec.ID, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmpPath))
	}
	target := s.pathForID(rec.ID)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return errors.Join(fmt.Errorf("failed to create blob subdirectory: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errors.Join(fmt.Errorf("failed to rename blob to final location: %w", err), os.Remove(tmpPath))
	}
	return nil
}

// Get implements Store.
func (s *DirStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.pathForID(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	r := bufio.NewReader(f)
	header, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read blob header %s: %w", id, err)
	}
	rec := &Record{}
	if err := json.Unmarshal(header, rec); err != nil {
		return nil, fmt.Errorf("failed to parse blob header %s: %w", id, err)
	}
	if rec.Data, err = io.ReadAll(r); err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	// The file name is authoritative.
	rec.ID = id
	return rec, nil
}

// Delete implements Store.
func (s *DirStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.pathForID(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// List implements Store. Unknown entries are skipped.
func (s *DirStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || !isValidFanDir(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := os.ReadDir(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read subdir %s: %w", entry.Name(), err)
		}
		for _, file := range files {
			if file.IsDir() || ValidateID(file.Name()) != nil {
				continue
			}
			ids = append(ids, file.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close implements Store.
func (s *DirStore) Close() error {
	return nil
}

// cleanupTmpDir removes all .tmp files from the temp directory.
func (s *DirStore) cleanupTmpDir() error {
	dir := filepath.Join(s.dir, tmpDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read tmp directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".tmp") {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove temp file %s: %w", entry.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *DirStore) pathForID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.dir, base32Enc.EncodeToString(sum[:2])[:2], id)
}

// isValidFanDir checks if a string is a 2-character base32 hex prefix.
func isValidFanDir(s string) bool {
	return len(s) == 2 && isBase32HexChar(s[0]) && isBase32HexChar(s[1])
}

func isBase32HexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'V')
}
