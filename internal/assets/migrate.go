// Converts legacy metadata formats into blob records.

package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vincent-petithory/dataurl"
)

var migrated atomic.Bool

// Migrated reports whether any Store in this process has run its migration.
func Migrated() bool {
	return migrated.Load()
}

// Init migrates legacy data once per Store, then applies the active asset.
//
// Migration failures are logged and returned; the store stays usable.
func (s *Store) Init(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.migrate(ctx)
		migrated.Store(true)
	})
	s.mu.Lock()
	list := s.load(ctx)
	if i := slices.IndexFunc(list, isActive); i >= 0 {
		s.surf.Apply(s.payload(ctx, list[i]))
	} else {
		s.surf.Apply(nil)
	}
	s.mu.Unlock()
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.migrateInline(ctx), s.migrateSingle(ctx))
}

// migrateInline moves inline data URLs out of the metadata into blobs.
func (s *Store) migrateInline(ctx context.Context) error {
	list := s.load(ctx)
	changed := 0
	var errs []error
	for i, m := range list {
		if !strings.HasPrefix(m.Data, "data:") {
			continue
		}
		name := m.Name
		if name == "" {
			name = migratedName
		}
		created := m.Created
		if created == 0 {
			created = s.now().UnixMilli()
		}
		rec, err := s.decode(name, m.Data)
		if err != nil {
			slog.WarnContext(ctx, "Failed to decode inline asset", "err", err, "id", m.ID)
			errs = append(errs, err)
			continue
		}
		rec.Created = time.UnixMilli(created)
		if err := s.blobs.Put(ctx, rec); err != nil {
			slog.WarnContext(ctx, "Failed to migrate inline asset", "err", err, "id", m.ID)
			errs = append(errs, err)
			continue
		}
		list[i] = Meta{ID: rec.ID, Name: name, Active: m.Active, Created: created}
		changed++
	}
	if changed == 0 {
		return errors.Join(errs...)
	}
	if err := s.save(list); err != nil {
		slog.ErrorContext(ctx, "Failed to save migrated metadata", "err", err)
		return errors.Join(append(errs, err)...)
	}
	slog.InfoContext(ctx, "Migrated inline assets", "count", changed)
	return errors.Join(errs...)
}

// migrateSingle converts the single legacy key when no collection exists.
// The key is deleted once it has been handled so it is never seen again.
func (s *Store) migrateSingle(ctx context.Context) error {
	single, ok, err := s.meta.Get(LegacyKey)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read legacy key", "err", err)
		return err
	}
	if !ok {
		return nil
	}
	if single != "" && len(s.load(ctx)) == 0 {
		m := Meta{ID: newID(), Name: migratedName, Active: true, Created: s.now().UnixMilli()}
		if strings.HasPrefix(single, "data:") {
			rec, err := s.decode(migratedName, single)
			if err != nil {
				slog.WarnContext(ctx, "Failed to decode legacy background", "err", err)
				return err
			}
			rec.ID = m.ID
			rec.Created = m.CreatedTime()
			if err := s.blobs.Put(ctx, rec); err != nil {
				slog.WarnContext(ctx, "Failed to migrate legacy background", "err", err)
				return err
			}
		} else {
			m.SrcURL = single
		}
		if err := s.save([]Meta{m}); err != nil {
			slog.ErrorContext(ctx, "Failed to save migrated metadata", "err", err)
			return err
		}
		slog.InfoContext(ctx, "Migrated legacy background", "id", m.ID)
	}
	if err := s.meta.Delete(LegacyKey); err != nil {
		slog.WarnContext(ctx, "Failed to delete legacy key", "err", err)
		return err
	}
	return nil
}

func (s *Store) decode(name, raw string) (*Record, error) {
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode data URL: %w", err)
	}
	return &Record{
		ID:          newID(),
		Name:        name,
		ContentType: du.ContentType(),
		Data:        du.Data,
	}, nil
}
