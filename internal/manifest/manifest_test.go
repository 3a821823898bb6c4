package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/maruel/backdrop/internal/assets"
)

func TestParse(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tests := []struct {
			name string
			data string
			want int
		}{
			{"json", `{"images":[{"name":"a","url":"https://x/a.png"},{"url":"b.png"}]}`, 2},
			{"yaml", "images:\n  - name: a\n    url: https://x/a.png\n  - url: b.png\n", 2},
			{"json empty", `{"images":[]}`, 0},
			{"yaml empty", "images: []\n", 0},
			{"json indented", "\n\t{\n\t\"images\": [\n\t\t{\"url\": \"a\"}\n\t]\n}", 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m, err := Parse([]byte(tt.data))
				if err != nil {
					t.Fatal(err)
				}
				if len(m.Images) != tt.want {
					t.Errorf("len = %d, want %d", len(m.Images), tt.want)
				}
			})
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name string
			data string
		}{
			{"empty", ""},
			{"missing images", `{"other":1}`},
			{"images not list", `{"images":{"url":"a"}}`},
			{"missing url", "images:\n  - name: a\n"},
			{"broken json", `{"images":[`},
			{"broken yaml", "images: [\n"},
			{"top level list", "- url: a\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := Parse([]byte(tt.data)); !errors.Is(err, ErrInvalid) {
					t.Errorf("Parse() = %v, want ErrInvalid", err)
				}
			})
		}
	})
}

func TestResolve(t *testing.T) {
	m := &Manifest{Images: []Image{
		{URL: "img/a.png"},
		{Name: "custom", URL: "https://cdn.example.com/b.jpg"},
		{URL: "/root/c.webp?x=1"},
		{URL: "https://example.com/"},
	}}
	base, _ := url.Parse("https://example.com/sets/manifest.json")
	got, err := m.Resolve(base)
	if err != nil {
		t.Fatal(err)
	}
	want := []Image{
		{Name: "a.png", URL: "https://example.com/sets/img/a.png"},
		{Name: "custom", URL: "https://cdn.example.com/b.jpg"},
		{Name: "c.webp", URL: "https://example.com/root/c.webp?x=1"},
		{Name: "", URL: "https://example.com/"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Resolve() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestSchema(t *testing.T) {
	b, err := json.Marshal(Schema())
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Required   []string `json:"required"`
		Properties struct {
			Images struct {
				Type  string `json:"type"`
				Items struct {
					Required []string `json:"required"`
				} `json:"items"`
			} `json:"images"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(s.Required, "images") || s.Properties.Images.Type != "array" {
		t.Errorf("schema = %s", b)
	}
	if !slices.Equal(s.Properties.Images.Items.Required, []string{"url"}) {
		t.Errorf("item required = %v", s.Properties.Images.Items.Required)
	}
}

type fakeSink struct {
	mu         sync.Mutex
	items      []assets.Imported
	applyFirst bool
}

func (f *fakeSink) AddImported(_ context.Context, items []assets.Imported, applyFirst bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
	f.applyFirst = applyFirst
	return len(items), nil
}

func newServer(t *testing.T, manifest string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(manifest))
	})
	mux.HandleFunc("GET /img/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("bytes of " + r.PathValue("name")))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestImporter_Import(t *testing.T) {
	ctx := context.Background()
	manifest := `{"images":[
		{"name":"first","url":"img/one.png"},
		{"url":"img/missing.png"},
		{"url":"img/two.png"}
	]}`

	t.Run("store blobs", func(t *testing.T) {
		ts := newServer(t, manifest)
		sink := &fakeSink{}
		res, err := NewImporter(sink).Import(ctx, ts.URL+"/manifest.json", DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if !res.Success || res.Count != 2 || res.Error != "" {
			t.Errorf("Result = %+v", res)
		}
		if len(sink.items) != 2 || !sink.applyFirst {
			t.Fatalf("items = %+v", sink.items)
		}
		first, second := sink.items[0], sink.items[1]
		if first.Name != "first" || string(first.Data) != "bytes of one.png" || first.ContentType != "image/png" {
			t.Errorf("first = %+v", first)
		}
		if first.SrcURL != ts.URL+"/img/one.png" {
			t.Errorf("SrcURL = %q", first.SrcURL)
		}
		if second.Name != "two.png" {
			t.Errorf("second = %+v", second)
		}
	})

	t.Run("urls only", func(t *testing.T) {
		ts := newServer(t, manifest)
		sink := &fakeSink{}
		res, err := NewImporter(sink).Import(ctx, ts.URL+"/manifest.json", Options{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != 3 || sink.applyFirst {
			t.Errorf("Result = %+v applyFirst=%v", res, sink.applyFirst)
		}
		for _, it := range sink.items {
			if it.Data != nil {
				t.Errorf("item %q has data", it.Name)
			}
		}
	})

	t.Run("max bytes", func(t *testing.T) {
		ts := newServer(t, manifest)
		sink := &fakeSink{}
		res, err := NewImporter(sink, WithMaxBytes(int64(len(manifest)))).Import(ctx, ts.URL+"/manifest.json", DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != 2 {
			t.Errorf("Count = %d", res.Count)
		}
		res, err = NewImporter(sink, WithMaxBytes(4)).Import(ctx, ts.URL+"/manifest.json", DefaultOptions())
		if err == nil || res.Success || res.Error == "" {
			t.Errorf("Import() = %+v, %v", res, err)
		}
	})

	t.Run("bad manifest", func(t *testing.T) {
		ts := newServer(t, `{"nope":true}`)
		res, err := NewImporter(&fakeSink{}).Import(ctx, ts.URL+"/manifest.json", DefaultOptions())
		if !errors.Is(err, ErrInvalid) || res.Success {
			t.Errorf("Import() = %+v, %v", res, err)
		}
	})

	t.Run("manifest not found", func(t *testing.T) {
		ts := newServer(t, manifest)
		res, err := NewImporter(&fakeSink{}).Import(ctx, ts.URL+"/nope.json", DefaultOptions())
		if err == nil || res.Success {
			t.Errorf("Import() = %+v, %v", res, err)
		}
	})

	t.Run("local files", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "a.png"), []byte("local"), 0o600); err != nil {
			t.Fatal(err)
		}
		p := filepath.Join(dir, "m.yaml")
		if err := os.WriteFile(p, []byte("images:\n  - url: a.png\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewImporter(&fakeSink{}).Import(ctx, p, DefaultOptions()); err == nil {
			t.Error("local file accepted without WithLocalFiles")
		}
		sink := &fakeSink{}
		res, err := NewImporter(sink, WithLocalFiles(true)).Import(ctx, p, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != 1 || string(sink.items[0].Data) != "local" || sink.items[0].Name != "a.png" {
			t.Errorf("items = %+v", sink.items)
		}
		if sink.items[0].ContentType != "image/png" {
			t.Errorf("ContentType = %q", sink.items[0].ContentType)
		}
	})
}
