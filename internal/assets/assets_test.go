package assets

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/maruel/backdrop/internal/blobstore"
	"github.com/maruel/backdrop/internal/kv"
	"github.com/maruel/backdrop/internal/surface"
)

type env struct {
	meta  kv.Store
	blobs blobstore.Store
	surf  *surface.Surface
	store *Store
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir := t.TempDir()
	meta, err := kv.NewFileStore(filepath.Join(dir, "kv.json"))
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blobstore.NewDirStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	return newEnvWith(t, meta, blobs, opts...)
}

func newEnvWith(t *testing.T, meta kv.Store, blobs blobstore.Store, opts ...Option) *env {
	t.Helper()
	surf := surface.New(surface.Options{})
	s, err := New(meta, blobs, surf, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &env{meta: meta, blobs: blobs, surf: surf, store: s}
}

func activeCount(list []Meta) int {
	n := 0
	for _, m := range list {
		if m.Active {
			n++
		}
	}
	return n
}

func TestStore_scenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.store

	a, err := s.Upload(ctx, "a.png", []byte("aaaa"))
	if err != nil {
		t.Fatal(err)
	}
	list := s.ListAssets(ctx)
	if len(list) != 1 || !list[0].Active || list[0].Name != "a.png" {
		t.Fatalf("after a.png: %+v", list)
	}
	if !strings.HasPrefix(a.ID, "bg_") || a.ContentType != "image/png" {
		t.Errorf("record = %+v", a)
	}

	b, err := s.Upload(ctx, "b.png", []byte("bbbb"))
	if err != nil {
		t.Fatal(err)
	}
	list = s.ListAssets(ctx)
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].ID != b.ID || !list[0].Active || list[1].ID != a.ID || list[1].Active {
		t.Fatalf("after b.png: %+v", list)
	}

	if err := s.Remove(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	list = s.ListAssets(ctx)
	if len(list) != 1 || list[0].ID != a.ID || !list[0].Active {
		t.Fatalf("after remove b: %+v", list)
	}
	st := e.surf.Snapshot()
	obj, ok := e.surf.ObjectURLs().Resolve(filepath.Base(st.ObjectURL))
	if !ok || string(obj.Data) != "aaaa" {
		t.Errorf("applied payload = %q, %v", obj.Data, ok)
	}

	if err := s.Remove(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if list = s.ListAssets(ctx); len(list) != 0 {
		t.Fatalf("after remove a: %+v", list)
	}
	st = e.surf.Snapshot()
	if st.Active() || st.Status != "Nenhum" || st.Opacity != 0 {
		t.Errorf("background not cleared: %+v", st)
	}
	if n := e.surf.ObjectURLs().Len(); n != 0 {
		t.Errorf("live object URLs = %d", n)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(removed) = %v", err)
	}
}

func TestStore_atMostOneActive(t *testing.T) {
	ctx := context.Background()
	s := newEnv(t).store
	r := rand.New(rand.NewPCG(1, 2))
	for i := range 60 {
		list := s.ListAssets(ctx)
		switch op := r.IntN(3); {
		case op == 0 || len(list) == 0:
			if _, err := s.Upload(ctx, "x.png", []byte{byte(i)}); err != nil {
				t.Fatal(err)
			}
		case op == 1:
			if err := s.SetActive(ctx, list[r.IntN(len(list))].ID); err != nil {
				t.Fatal(err)
			}
		default:
			if err := s.Remove(ctx, list[r.IntN(len(list))].ID); err != nil {
				t.Fatal(err)
			}
		}
		list = s.ListAssets(ctx)
		if n := activeCount(list); n > 1 || (len(list) > 0 && n != 1) {
			t.Fatalf("step %d: %d active in %d entries", i, n, len(list))
		}
	}
}

func TestStore_roundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	meta, err := kv.NewBoltStore(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = meta.Close() }()
	blobs, err := blobstore.NewSQLiteStore(filepath.Join(dir, "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = blobs.Close() }()
	payload := bytes.Repeat([]byte{0, 1, 2, '\n', 0xff}, 1000)
	rec, err := newEnvWith(t, meta, blobs).store.Upload(ctx, "", payload)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "bg" {
		t.Errorf("Name = %q, want bg", rec.Name)
	}
	// A fresh store has a cold cache.
	got, err := newEnvWith(t, meta, blobs, WithCacheSize(0)).store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Error("payload mismatch")
	}
}

func TestStore_SetActive(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		e := newEnv(t)
		a, _ := e.store.Upload(ctx, "a.png", []byte("a"))
		before := e.surf.Snapshot()
		if err := e.store.SetActive(ctx, "bg_nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetActive() = %v", err)
		}
		list := e.store.ListAssets(ctx)
		if len(list) != 1 || list[0].ID != a.ID || !list[0].Active {
			t.Errorf("list changed: %+v", list)
		}
		if e.surf.Snapshot() != before {
			t.Error("surface changed")
		}
	})

	t.Run("switches and revokes", func(t *testing.T) {
		e := newEnv(t)
		a, _ := e.store.Upload(ctx, "a.png", []byte("a"))
		_, _ = e.store.Upload(ctx, "b.png", []byte("b"))
		prev := e.surf.Snapshot().ObjectURL
		if err := e.store.SetActive(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		list := e.store.ListAssets(ctx)
		if !list[1].Active || list[0].Active {
			t.Errorf("list = %+v", list)
		}
		if _, ok := e.surf.ObjectURLs().Resolve(filepath.Base(prev)); ok {
			t.Error("previous object URL not revoked")
		}
		if e.surf.ObjectURLs().Len() != 1 {
			t.Errorf("Len() = %d", e.surf.ObjectURLs().Len())
		}
	})

	t.Run("fallbacks", func(t *testing.T) {
		e := newEnv(t)
		list := []Meta{
			{ID: "bg_inline", Name: "i", Created: 1, Data: "data:image/png;base64,AAAA"},
			{ID: "bg_remote", Name: "r", Created: 2, SrcURL: "https://example.com/r.jpg"},
			{ID: "bg_orphan", Name: "o", Created: 3},
		}
		if err := e.store.save(list); err != nil {
			t.Fatal(err)
		}
		tests := []struct {
			id   string
			want string
		}{
			{"bg_inline", `url("data:image/png;base64,AAAA")`},
			{"bg_remote", `url("https://example.com/r.jpg")`},
			{"bg_orphan", ""},
		}
		for _, tt := range tests {
			if err := e.store.SetActive(ctx, tt.id); err != nil {
				t.Fatalf("SetActive(%s) = %v", tt.id, err)
			}
			if got := e.surf.Snapshot().BackgroundImage; got != tt.want {
				t.Errorf("SetActive(%s) background = %q, want %q", tt.id, got, tt.want)
			}
			if m, ok := e.store.Active(ctx); !ok || m.ID != tt.id {
				t.Errorf("Active() = %+v, %v", m, ok)
			}
		}
	})
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive keeps active", func(t *testing.T) {
		e := newEnv(t)
		a, _ := e.store.Upload(ctx, "a.png", []byte("a"))
		b, _ := e.store.Upload(ctx, "b.png", []byte("b"))
		url := e.surf.Snapshot().ObjectURL
		if err := e.store.Remove(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		list := e.store.ListAssets(ctx)
		if len(list) != 1 || list[0].ID != b.ID || !list[0].Active {
			t.Errorf("list = %+v", list)
		}
		if e.surf.Snapshot().ObjectURL != url {
			t.Error("active background was reapplied")
		}
	})

	t.Run("promotes first", func(t *testing.T) {
		e := newEnv(t)
		a, _ := e.store.Upload(ctx, "a.png", []byte("a"))
		b, _ := e.store.Upload(ctx, "b.png", []byte("b"))
		c, _ := e.store.Upload(ctx, "c.png", []byte("c"))
		if err := e.store.Remove(ctx, c.ID); err != nil {
			t.Fatal(err)
		}
		list := e.store.ListAssets(ctx)
		if len(list) != 2 || list[0].ID != b.ID || !list[0].Active || list[1].ID != a.ID || list[1].Active {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("unknown id persists", func(t *testing.T) {
		e := newEnv(t)
		var calls int
		e.store.Subscribe(func([]Meta) { calls++ })
		if err := e.store.Remove(ctx, "bg_unknown"); err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Errorf("listener calls = %d", calls)
		}
		raw, ok, err := e.meta.Get(MetaKey)
		if err != nil || !ok || raw != "[]" {
			t.Errorf("metadata = %q, %v, %v", raw, ok, err)
		}
	})

	t.Run("missing blob", func(t *testing.T) {
		e := newEnv(t)
		a, _ := e.store.Upload(ctx, "a.png", []byte("a"))
		b, _ := e.store.Upload(ctx, "b.png", []byte("b"))
		if err := e.blobs.Delete(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		_ = e.store.SetActive(ctx, a.ID)
		if err := e.store.Remove(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
		if m, ok := e.store.Active(ctx); !ok || m.ID != b.ID {
			t.Errorf("Active() = %+v, %v", m, ok)
		}
	})
}

func TestStore_ListAssets_corrupt(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"{not json", "null", `{"id":"x"}`, ""} {
		e := newEnv(t)
		if err := e.meta.Set(MetaKey, raw); err != nil {
			t.Fatal(err)
		}
		if got := e.store.ListAssets(ctx); got == nil || len(got) != 0 {
			t.Errorf("ListAssets(%q) = %#v", raw, got)
		}
	}
}

func TestStore_ListAssets_multipleActive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.meta.Set(MetaKey, `[{"id":"bg_1","active":true},{"id":"bg_2","active":true}]`); err != nil {
		t.Fatal(err)
	}
	list := e.store.ListAssets(ctx)
	if activeCount(list) != 1 || !list[0].Active {
		t.Errorf("list = %+v", list)
	}
}

func TestStore_limits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WithLimits(Limits{MaxAssetBytes: 4, MaxAssets: 2}))
	if _, err := e.store.Upload(ctx, "big", []byte("12345")); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Upload(big) = %v", err)
	}
	for range 2 {
		if _, err := e.store.Upload(ctx, "ok", []byte("1234")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.store.Upload(ctx, "third", []byte("1")); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Upload(third) = %v", err)
	}
	if n := len(e.store.ListAssets(ctx)); n != 2 {
		t.Errorf("len = %d", n)
	}
	ids, _ := e.blobs.List(ctx)
	if len(ids) != 2 {
		t.Errorf("blobs = %v", ids)
	}
}

type failingKV struct {
	kv.Store
	failSet bool
}

func (f *failingKV) Set(key, value string) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.Store.Set(key, value)
}

func TestStore_Upload_metadataFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inner, err := kv.NewFileStore(filepath.Join(dir, "kv.json"))
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blobstore.NewDirStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	meta := &failingKV{Store: inner}
	e := newEnvWith(t, meta, blobs)
	a, err := e.store.Upload(ctx, "a.png", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	before := e.surf.Snapshot()

	meta.failSet = true
	if _, err := e.store.Upload(ctx, "b.png", []byte("b")); err == nil {
		t.Fatal("Upload() succeeded")
	}
	list := e.store.ListAssets(ctx)
	if len(list) != 1 || list[0].ID != a.ID || !list[0].Active {
		t.Errorf("list = %+v", list)
	}
	if e.surf.Snapshot() != before {
		t.Error("surface changed")
	}
	ids, _ := blobs.List(ctx)
	if !slices.Equal(ids, []string{a.ID}) {
		t.Errorf("blobs = %v, want orphan removed", ids)
	}
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := newEnv(t).store
	var mu sync.Mutex
	var got [][]Meta
	cancel := s.Subscribe(func(list []Meta) {
		mu.Lock()
		got = append(got, list)
		mu.Unlock()
	})
	a, _ := s.Upload(ctx, "a.png", []byte("a"))
	_ = s.SetActive(ctx, a.ID)
	_ = s.SetActive(ctx, "bg_unknown")
	cancel()
	_ = s.Remove(ctx, a.ID)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(got))
	}
	if len(got[0]) != 1 || got[0][0].ID != a.ID {
		t.Errorf("first = %+v", got[0])
	}
}

func TestStore_Subscribe_order(t *testing.T) {
	ctx := context.Background()
	s := newEnv(t).store
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s.beforeNotify = func() {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
	var mu sync.Mutex
	var last []Meta
	s.Subscribe(func(list []Meta) {
		mu.Lock()
		last = list
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Upload(ctx, "a.png", []byte("a")); err != nil {
			t.Error(err)
		}
	}()
	<-entered
	if _, err := s.Upload(ctx, "b.png", []byte("b")); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(last) != 2 || last[0].Name != "b.png" {
		t.Errorf("last notification = %+v, want both assets", last)
	}
}

func TestStore_saveFailureKeepsSurface(t *testing.T) {
	ctx := context.Background()
	newFailing := func(t *testing.T) (*env, *failingKV) {
		dir := t.TempDir()
		inner, err := kv.NewFileStore(filepath.Join(dir, "kv.json"))
		if err != nil {
			t.Fatal(err)
		}
		blobs, err := blobstore.NewDirStore(filepath.Join(dir, "blobs"))
		if err != nil {
			t.Fatal(err)
		}
		meta := &failingKV{Store: inner}
		return newEnvWith(t, meta, blobs), meta
	}

	t.Run("remove", func(t *testing.T) {
		e, meta := newFailing(t)
		a, err := e.store.Upload(ctx, "a.png", []byte("a"))
		if err != nil {
			t.Fatal(err)
		}
		before := e.surf.Snapshot()
		var calls int
		e.store.Subscribe(func([]Meta) { calls++ })
		meta.failSet = true
		if err := e.store.Remove(ctx, a.ID); err == nil {
			t.Fatal("Remove() succeeded")
		}
		if e.surf.Snapshot() != before {
			t.Error("surface changed")
		}
		if calls != 0 {
			t.Errorf("listener calls = %d", calls)
		}
	})

	t.Run("import", func(t *testing.T) {
		e, meta := newFailing(t)
		if _, err := e.store.Upload(ctx, "a.png", []byte("a")); err != nil {
			t.Fatal(err)
		}
		before := e.surf.Snapshot()
		meta.failSet = true
		n, err := e.store.AddImported(ctx, []Imported{{Name: "r", SrcURL: "https://example.com/r.png"}}, true)
		if err == nil || n != 0 {
			t.Fatalf("AddImported() = %d, %v", n, err)
		}
		if e.surf.Snapshot() != before {
			t.Error("surface changed")
		}
	})
}

func TestStore_AddImported(t *testing.T) {
	ctx := context.Background()

	t.Run("apply first", func(t *testing.T) {
		e := newEnv(t)
		old, _ := e.store.Upload(ctx, "old.png", []byte("old"))
		items := []Imported{
			{Name: "one.jpg", SrcURL: "https://example.com/one.jpg", Data: []byte("one")},
			{Name: "two.jpg", SrcURL: "https://example.com/two.jpg", Data: []byte("two")},
		}
		n, err := e.store.AddImported(ctx, items, true)
		if err != nil || n != 2 {
			t.Fatalf("AddImported() = %d, %v", n, err)
		}
		list := e.store.ListAssets(ctx)
		if len(list) != 3 || list[0].Name != "two.jpg" || list[1].Name != "one.jpg" || list[2].ID != old.ID {
			t.Fatalf("list = %+v", list)
		}
		if activeCount(list) != 1 || !list[0].Active {
			t.Errorf("active = %+v", list)
		}
		if list[0].SrcURL != "https://example.com/two.jpg" {
			t.Errorf("SrcURL = %q", list[0].SrcURL)
		}
		rec, err := e.store.Get(ctx, list[0].ID)
		if err != nil || string(rec.Data) != "two" || rec.ContentType != "image/jpeg" {
			t.Errorf("Get() = %+v, %v", rec, err)
		}
		obj, ok := e.surf.ObjectURLs().Resolve(filepath.Base(e.surf.Snapshot().ObjectURL))
		if !ok || string(obj.Data) != "two" {
			t.Errorf("applied = %q", obj.Data)
		}
	})

	t.Run("url only without apply", func(t *testing.T) {
		e := newEnv(t)
		old, _ := e.store.Upload(ctx, "old.png", []byte("old"))
		n, err := e.store.AddImported(ctx, []Imported{{Name: "r", SrcURL: "https://example.com/r.png"}}, false)
		if err != nil || n != 1 {
			t.Fatalf("AddImported() = %d, %v", n, err)
		}
		if m, ok := e.store.Active(ctx); !ok || m.ID != old.ID {
			t.Errorf("Active() = %+v", m)
		}
		list := e.store.ListAssets(ctx)
		if err := e.store.SetActive(ctx, list[0].ID); err != nil {
			t.Fatal(err)
		}
		if got := e.surf.Snapshot().BackgroundImage; got != `url("https://example.com/r.png")` {
			t.Errorf("background = %q", got)
		}
	})

	t.Run("limits skip items", func(t *testing.T) {
		e := newEnv(t, WithLimits(Limits{MaxAssetBytes: 3, MaxAssets: 2}))
		items := []Imported{
			{Name: "big", Data: []byte("toolarge")},
			{Name: "a", Data: []byte("a")},
			{Name: "b", Data: []byte("b")},
			{Name: "c", Data: []byte("c")},
		}
		n, err := e.store.AddImported(ctx, items, true)
		if err != nil || n != 2 {
			t.Fatalf("AddImported() = %d, %v", n, err)
		}
		list := e.store.ListAssets(ctx)
		if len(list) != 2 || list[0].Name != "b" || list[1].Name != "a" {
			t.Errorf("list = %+v", list)
		}
	})
}

func TestStore_clock(t *testing.T) {
	ctx := context.Background()
	fixed := time.UnixMilli(1_700_000_000_000)
	s := newEnv(t, WithClock(func() time.Time { return fixed })).store
	if _, err := s.Upload(ctx, "a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if got := s.ListAssets(ctx)[0].Created; got != fixed.UnixMilli() {
		t.Errorf("Created = %d", got)
	}
}

func TestPrometheusObserver(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver("test", reg)
	if err != nil {
		t.Fatal(err)
	}
	// Registering twice reuses the existing collectors.
	o2, err := NewPrometheusObserver("test", reg)
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, WithObserver(o2))
	if _, err := e.store.Upload(ctx, "a", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	_ = e.store.SetActive(ctx, "bg_unknown")
	if got := testutil.ToFloat64(o.uploadBytes); got != 3 {
		t.Errorf("uploaded bytes = %v", got)
	}
	if got := testutil.ToFloat64(o.errors.WithLabelValues("set_active")); got != 1 {
		t.Errorf("set_active errors = %v", got)
	}
	if got := testutil.ToFloat64(o.objectURLs); got != 1 {
		t.Errorf("object URLs = %v", got)
	}
	var nilObs *PrometheusObserver
	nilObs.RecordUpload(time.Second, 1, nil)
	nilObs.SetObjectURLs(1)
}
