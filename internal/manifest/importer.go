// Implements bulk import of a manifest into the asset store.

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maruel/backdrop/internal/assets"
)

// Sink receives the imported items.
type Sink interface {
	AddImported(ctx context.Context, items []assets.Imported, applyFirst bool) (int, error)
}

// Options controls an import.
type Options struct {
	// StoreBlobs downloads each image and stores its bytes. Otherwise only
	// the URL is recorded.
	StoreBlobs bool `json:"storeBlobs"`
	// ApplyFirst makes the first entry active after the import.
	ApplyFirst bool `json:"applyFirst"`
	// Concurrency bounds parallel downloads.
	Concurrency int `json:"-"`
}

// DefaultOptions returns StoreBlobs and ApplyFirst set.
func DefaultOptions() Options {
	return Options{StoreBlobs: true, ApplyFirst: true, Concurrency: 4}
}

// Result summarizes an import.
type Result struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// Importer fetches manifests and their images.
type Importer struct {
	sink   Sink
	client *http.Client
	// maxBytes bounds each download; 0 disables the limit.
	maxBytes   int64
	allowFiles bool
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) ImporterOption {
	return func(im *Importer) { im.client = c }
}

// WithMaxBytes bounds the size of each download.
func WithMaxBytes(n int64) ImporterOption {
	return func(im *Importer) { im.maxBytes = n }
}

// WithLocalFiles allows manifests and images to be read from the local
// filesystem. Only enable it for trusted callers.
func WithLocalFiles(allow bool) ImporterOption {
	return func(im *Importer) { im.allowFiles = allow }
}

// NewImporter returns an Importer adding items to sink.
func NewImporter(sink Sink, opts ...ImporterOption) *Importer {
	im := &Importer{sink: sink, client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import fetches the manifest at location and adds its images.
//
// A failing image is logged and skipped. Errors fetching or parsing the
// manifest itself abort the import.
func (im *Importer) Import(ctx context.Context, location string, opts Options) (Result, error) {
	n, err := im.importManifest(ctx, location, opts)
	if err != nil {
		slog.ErrorContext(ctx, "Manifest import failed", "err", err, "manifest", location)
		return Result{Error: err.Error()}, err
	}
	slog.InfoContext(ctx, "Imported manifest", "manifest", location, "count", n)
	return Result{Success: true, Count: n}, nil
}

func (im *Importer) importManifest(ctx context.Context, location string, opts Options) (int, error) {
	base, err := im.base(location)
	if err != nil {
		return 0, err
	}
	data, _, err := im.fetch(ctx, base)
	if err != nil {
		return 0, fmt.Errorf("fetch manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return 0, err
	}
	images, err := m.Resolve(base)
	if err != nil {
		return 0, err
	}
	items := make([]assets.Imported, len(images))
	ok := make([]bool, len(images))
	g, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, img := range images {
		items[i] = assets.Imported{Name: img.Name, SrcURL: img.URL}
		if !opts.StoreBlobs {
			ok[i] = true
			continue
		}
		g.Go(func() error {
			u, err := url.Parse(img.URL)
			if err != nil {
				slog.WarnContext(gctx, "Skipped image", "err", err, "url", img.URL)
				return nil
			}
			body, ct, err := im.fetch(gctx, u)
			if err != nil {
				slog.WarnContext(gctx, "Skipped image", "err", err, "url", img.URL)
				return nil
			}
			items[i].Data = body
			items[i].ContentType = ct
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	kept := items[:0]
	for i := range items {
		if ok[i] {
			kept = append(kept, items[i])
		}
	}
	return im.sink.AddImported(ctx, kept, opts.ApplyFirst)
}

// base parses location as a URL, or as a local path when allowed.
func (im *Importer) base(location string) (*url.URL, error) {
	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return u, nil
	}
	if !im.allowFiles {
		return nil, fmt.Errorf("%w: unsupported manifest location %q", ErrInvalid, location)
	}
	if err == nil && u.Scheme == "file" {
		return u, nil
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}

func (im *Importer) fetch(ctx context.Context, u *url.URL) ([]byte, string, error) {
	switch u.Scheme {
	case "http", "https":
		return im.fetchHTTP(ctx, u.String())
	case "file":
		if im.allowFiles {
			return im.readFile(filepath.FromSlash(u.Path))
		}
	}
	return nil, "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
}

func (im *Importer) fetchHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := im.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := im.readAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("GET %s: %w", rawURL, err)
	}
	ct := ""
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		ct = mt
	}
	return data, ct, nil
}

func (im *Importer) readFile(p string) ([]byte, string, error) {
	f, err := os.Open(p) //nolint:gosec // Only reachable with WithLocalFiles.
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := im.readAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", p, err)
	}
	return data, mime.TypeByExtension(filepath.Ext(p)), nil
}

var errTooLarge = errors.New("download too large")

func (im *Importer) readAll(r io.Reader) ([]byte, error) {
	if im.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, im.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > im.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, im.maxBytes)
	}
	return data, nil
}
