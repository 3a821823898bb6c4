// Package assets manages the collection of background images.
//
// Metadata lives as a JSON array under a single key of a [kv.Store]; binary
// payloads live in a [blobstore.Store] keyed by asset id. At most one entry
// is active at a time and the active entry is applied to a
// [surface.Surface].
//
// Orphaned metadata (an entry whose blob is missing) is tolerated: it
// resolves to its legacy inline data, then its source URL, then to no image.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maruel/ksid"

	"github.com/maruel/backdrop/internal/blobstore"
	"github.com/maruel/backdrop/internal/kv"
	"github.com/maruel/backdrop/internal/surface"
)

const (
	// MetaKey is the metadata key holding the JSON array of Meta.
	MetaKey = "di_bgImages"
	// LegacyKey held a single data URL before the collection existed.
	LegacyKey = "di_bgImage"

	defaultName      = "bg"
	migratedName     = "migrated-bg"
	defaultCacheSize = 16
)

var (
	// ErrNotFound is returned when an asset id is unknown.
	ErrNotFound = errors.New("asset not found")
	// ErrTooLarge is returned when a payload exceeds the configured size.
	ErrTooLarge = errors.New("asset too large")
	// ErrQuotaExceeded is returned when the collection is full.
	ErrQuotaExceeded = errors.New("asset quota exceeded")
)

// Record is a stored asset payload.
type Record = blobstore.Record

// Meta describes one asset. The JSON form is the persisted format.
type Meta struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	// Created is in milliseconds since the Unix epoch.
	Created int64 `json:"created"`
	// Data is an inline data URL from before payloads were stored as blobs.
	Data string `json:"data,omitempty"`
	// SrcURL is the URL the asset was imported from.
	SrcURL string `json:"srcUrl,omitempty"`
}

// CreatedTime returns Created as a time.Time.
func (m *Meta) CreatedTime() time.Time {
	return time.UnixMilli(m.Created)
}

// Limits bounds the collection. Zero values disable a limit.
type Limits struct {
	MaxAssetBytes int64
	MaxAssets     int
}

// Imported is one item handed to AddImported.
type Imported struct {
	Name   string
	SrcURL string
	// Data is nil when the payload was not fetched.
	Data        []byte
	ContentType string
}

// Option configures a Store.
type Option func(*Store)

// WithLimits sets size and count limits.
func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l }
}

// WithObserver records operation metrics.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.obs = o
		}
	}
}

// WithCacheSize sets the number of payloads kept in memory.
func WithCacheSize(n int) Option {
	return func(s *Store) { s.cacheSize = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the background asset store. It is safe for concurrent use.
type Store struct {
	meta  kv.Store
	blobs blobstore.Store
	surf  *surface.Surface

	limits    Limits
	obs       Observer
	cacheSize int
	now       func() time.Time
	cache     *lru.Cache[string, *Record]

	// mu serializes read-modify-write of the metadata array.
	mu   sync.Mutex
	once sync.Once
	seq  uint64 // bumped under mu for every persisted mutation

	lmu       sync.Mutex
	nextSub   int
	listeners map[int]func([]Meta)

	// nmu orders deliveries; a list older than delivered is dropped.
	nmu          sync.Mutex
	delivered    uint64
	beforeNotify func()
}

// New returns a Store. Call Init before serving.
func New(meta kv.Store, blobs blobstore.Store, surf *surface.Surface, opts ...Option) (*Store, error) {
	s := &Store{
		meta:      meta,
		blobs:     blobs,
		surf:      surf,
		obs:       nopObserver{},
		cacheSize: defaultCacheSize,
		now:       time.Now,
		listeners: map[int]func([]Meta){},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize > 0 {
		c, err := lru.New[string, *Record](s.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create blob cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Surface returns the surface the store applies backgrounds to.
func (s *Store) Surface() *surface.Surface {
	return s.surf
}

// Limits returns the configured limits.
func (s *Store) Limits() Limits {
	return s.limits
}

// ListAssets returns the metadata, newest first. Missing or corrupt metadata
// yields an empty list.
func (s *Store) ListAssets(ctx context.Context) []Meta {
	return s.load(ctx)
}

// Active returns the active entry, if any.
func (s *Store) Active(ctx context.Context) (Meta, bool) {
	list := s.load(ctx)
	if i := slices.IndexFunc(list, isActive); i >= 0 {
		return list[i], true
	}
	return Meta{}, false
}

// Get returns the payload record for id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(id); ok {
			return rec, nil
		}
	}
	rec, err := s.blobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if s.cache != nil {
		s.cache.Add(id, rec)
	}
	return rec, nil
}

// Upload stores data as a new asset, makes it the only active one and applies
// it. On failure the collection is left unchanged.
func (s *Store) Upload(ctx context.Context, name string, data []byte) (*Record, error) {
	start := time.Now()
	rec, err := s.upload(ctx, name, data)
	s.obs.RecordUpload(time.Since(start), len(data), err)
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return rec, err
}

func (s *Store) upload(ctx context.Context, name string, data []byte) (*Record, error) {
	if name == "" {
		name = defaultName
	}
	if s.limits.MaxAssetBytes > 0 && int64(len(data)) > s.limits.MaxAssetBytes {
		slog.WarnContext(ctx, "Rejected upload", "name", name, "size", len(data), "max", s.limits.MaxAssetBytes)
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, len(data), s.limits.MaxAssetBytes)
	}
	s.mu.Lock()
	list := s.load(ctx)
	if s.limits.MaxAssets > 0 && len(list) >= s.limits.MaxAssets {
		s.mu.Unlock()
		slog.WarnContext(ctx, "Rejected upload", "name", name, "assets", len(list), "max", s.limits.MaxAssets)
		return nil, fmt.Errorf("%w: %d assets", ErrQuotaExceeded, len(list))
	}
	rec := &Record{
		ID:          newID(),
		Name:        name,
		ContentType: contentType(name, data),
		Created:     s.now(),
		Data:        data,
	}
	if err := s.blobs.Put(ctx, rec); err != nil {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "Failed to store blob", "err", err, "id", rec.ID, "name", name)
		return nil, fmt.Errorf("store blob: %w", err)
	}
	for i := range list {
		list[i].Active = false
	}
	list = slices.Insert(list, 0, Meta{ID: rec.ID, Name: name, Active: true, Created: rec.Created.UnixMilli()})
	if err := s.save(list); err != nil {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "Failed to save metadata", "err", err, "id", rec.ID)
		if derr := s.blobs.Delete(ctx, rec.ID); derr != nil {
			slog.WarnContext(ctx, "Failed to delete orphan blob", "err", derr, "id", rec.ID)
		}
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(rec.ID, rec)
	}
	s.surf.Apply(surface.Binary(rec.Data, rec.ContentType))
	seq := s.bump()
	s.mu.Unlock()
	slog.InfoContext(ctx, "Uploaded asset", "id", rec.ID, "name", name, "size", len(data))
	s.notify(seq, list)
	return rec, nil
}

// SetActive makes id the only active asset and applies its payload.
//
// An unknown id changes nothing and returns ErrNotFound. A known id whose
// payload cannot be resolved is still activated and clears the background.
func (s *Store) SetActive(ctx context.Context, id string) error {
	start := time.Now()
	err := s.setActive(ctx, id)
	s.obs.RecordOperation("set_active", time.Since(start), err)
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return err
}

func (s *Store) setActive(ctx context.Context, id string) error {
	s.mu.Lock()
	list := s.load(ctx)
	idx := slices.IndexFunc(list, func(m Meta) bool { return m.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		slog.WarnContext(ctx, "Unknown asset", "id", id)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for i := range list {
		list[i].Active = i == idx
	}
	if err := s.save(list); err != nil {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "Failed to save metadata", "err", err, "id", id)
		return err
	}
	s.surf.Apply(s.payload(ctx, list[idx]))
	seq := s.bump()
	s.mu.Unlock()
	s.notify(seq, list)
	return nil
}

// Remove deletes the asset. If no entry is left active, the first remaining
// one is promoted and applied; an empty collection clears the background.
// The metadata is persisted and listeners notified even for an unknown id.
func (s *Store) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := s.remove(ctx, id)
	s.obs.RecordOperation("remove", time.Since(start), err)
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return err
}

func (s *Store) remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.blobs.Delete(ctx, id); err != nil {
		slog.WarnContext(ctx, "Failed to delete blob", "err", err, "id", id)
	}
	if s.cache != nil {
		s.cache.Remove(id)
	}
	list := slices.DeleteFunc(s.load(ctx), func(m Meta) bool { return m.ID == id })
	promote := len(list) > 0 && !slices.ContainsFunc(list, isActive)
	if promote {
		list[0].Active = true
	}
	if err := s.save(list); err != nil {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "Failed to save metadata", "err", err, "id", id)
		return err
	}
	switch {
	case len(list) == 0:
		s.surf.Apply(nil)
	case promote:
		s.surf.Apply(s.payload(ctx, list[0]))
	}
	seq := s.bump()
	s.mu.Unlock()
	s.notify(seq, list)
	return nil
}

// ApplyBackground applies p to the surface, or clears it when p is nil.
func (s *Store) ApplyBackground(p *surface.Payload) {
	s.surf.Apply(p)
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
}

// AddImported prepends items in order, so the last item ends up first.
// Payloads are stored as blobs when present; an item whose blob cannot be
// stored, or which exceeds the limits, is skipped. With applyFirst the first
// entry afterwards becomes the only active one and is applied.
//
// It returns the number of items added.
func (s *Store) AddImported(ctx context.Context, items []Imported, applyFirst bool) (int, error) {
	start := time.Now()
	n, err := s.addImported(ctx, items, applyFirst)
	s.obs.RecordOperation("import", time.Since(start), err)
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return n, err
}

func (s *Store) addImported(ctx context.Context, items []Imported, applyFirst bool) (int, error) {
	s.mu.Lock()
	list := s.load(ctx)
	added := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			break
		}
		if s.limits.MaxAssets > 0 && len(list) >= s.limits.MaxAssets {
			slog.WarnContext(ctx, "Import stopped at quota", "max", s.limits.MaxAssets, "skipped", len(items)-added)
			break
		}
		name := it.Name
		if name == "" {
			name = defaultName
		}
		m := Meta{ID: newID(), Name: name, Created: s.now().UnixMilli(), SrcURL: it.SrcURL}
		if it.Data != nil {
			if s.limits.MaxAssetBytes > 0 && int64(len(it.Data)) > s.limits.MaxAssetBytes {
				slog.WarnContext(ctx, "Skipped oversized import", "url", it.SrcURL, "size", len(it.Data))
				continue
			}
			ct := it.ContentType
			if ct == "" {
				ct = contentType(name, it.Data)
			}
			rec := &Record{ID: m.ID, Name: name, ContentType: ct, Created: m.CreatedTime(), Data: it.Data}
			if err := s.blobs.Put(ctx, rec); err != nil {
				slog.WarnContext(ctx, "Failed to store imported blob", "err", err, "url", it.SrcURL)
				continue
			}
		}
		list = slices.Insert(list, 0, m)
		added++
	}
	apply := applyFirst && len(list) > 0
	if apply {
		for i := range list {
			list[i].Active = i == 0
		}
	}
	if err := s.save(list); err != nil {
		s.mu.Unlock()
		slog.ErrorContext(ctx, "Failed to save metadata", "err", err)
		return 0, err
	}
	if apply {
		s.surf.Apply(s.payload(ctx, list[0]))
	}
	seq := s.bump()
	s.mu.Unlock()
	s.notify(seq, list)
	return added, ctx.Err()
}

// Subscribe registers fn to be called with the new list after every
// mutation. The returned function unregisters it.
//
// Calls are serialized and never go back in time: a list superseded by a
// newer mutation before it could be delivered is skipped. fn must not call
// back into the store's mutating methods.
func (s *Store) Subscribe(fn func([]Meta)) func() {
	s.lmu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Close clears the surface, releasing its object URL.
func (s *Store) Close() error {
	s.surf.Close()
	s.obs.SetObjectURLs(s.surf.ObjectURLs().Len())
	return nil
}

// bump returns the sequence number of a mutation. s.mu must be held.
func (s *Store) bump() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) notify(seq uint64, list []Meta) {
	if s.beforeNotify != nil {
		s.beforeNotify()
	}
	s.nmu.Lock()
	defer s.nmu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	s.lmu.Lock()
	fns := make([]func([]Meta), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(slices.Clone(list))
	}
}

// payload resolves what to display for m: its blob, then inline data, then
// source URL. It returns nil when none is available.
func (s *Store) payload(ctx context.Context, m Meta) *surface.Payload {
	rec, err := s.Get(ctx, m.ID)
	if err == nil {
		return surface.Binary(rec.Data, rec.ContentType)
	}
	if !errors.Is(err, ErrNotFound) {
		slog.WarnContext(ctx, "Failed to read blob", "err", err, "id", m.ID)
	}
	switch {
	case m.Data != "":
		return surface.Inline(m.Data)
	case m.SrcURL != "":
		return surface.Inline(m.SrcURL)
	}
	slog.WarnContext(ctx, "Asset has no payload", "id", m.ID)
	return nil
}

// load reads the metadata array. Only the first active entry stays active.
func (s *Store) load(ctx context.Context) []Meta {
	raw, ok, err := s.meta.Get(MetaKey)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read metadata", "err", err)
		return []Meta{}
	}
	if !ok || raw == "" {
		return []Meta{}
	}
	var list []Meta
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		slog.WarnContext(ctx, "Corrupt metadata", "err", err)
		return []Meta{}
	}
	if list == nil {
		return []Meta{}
	}
	seen := false
	for i := range list {
		if list[i].Active {
			list[i].Active = !seen
			seen = true
		}
	}
	return list
}

func (s *Store) save(list []Meta) error {
	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.meta.Set(MetaKey, string(b)); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func isActive(m Meta) bool {
	return m.Active
}

func newID() string {
	return "bg_" + ksid.NewID().String()
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
