// Package inbox uploads image files dropped into a directory.
//
// Each image file appearing in the directory is uploaded once under its base
// name and then deleted. Files already present when the watcher starts are
// processed first.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/backdrop/internal/assets"
)

// Uploader stores an uploaded file.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (*assets.Record, error)
}

var imageExts = map[string]bool{
	".avif": true,
	".bmp":  true,
	".gif":  true,
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".svg":  true,
	".webp": true,
}

// IsImage reports whether name has an image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Watcher watches a directory for new image files.
type Watcher struct {
	dir      string
	up       Uploader
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must stay unchanged before it is read.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New returns a Watcher on dir.
func New(dir string, up Uploader, opts ...Option) *Watcher {
	w := &Watcher{dir: dir, up: up, debounce: 250 * time.Millisecond, timers: map[string]*time.Timer{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is canceled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	slog.InfoContext(ctx, "Watching inbox", "dir", w.dir)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching inbox", "err", err)
		}
	}
}

// schedule (re)arms the timer for p.
func (w *Watcher) schedule(ctx context.Context, p string) {
	name := filepath.Base(p)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || !IsImage(name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[p]; ok {
		if t.Stop() {
			t.Reset(w.debounce)
			return
		}
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[p] == t {
			delete(w.timers, p)
		}
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.process(ctx, p)
		}
	})
	w.timers[p] = t
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for p, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, p)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) process(ctx context.Context, p string) {
	fi, err := os.Lstat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(p) //nolint:gosec // Files inside the inbox directory.
	if err != nil {
		slog.WarnContext(ctx, "Failed to read inbox file", "err", err, "path", p)
		return
	}
	if len(data) == 0 {
		return
	}
	rec, err := w.up.Upload(ctx, filepath.Base(p), data)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to upload inbox file", "err", err, "path", p)
		return
	}
	if err := os.Remove(p); err != nil {
		slog.WarnContext(ctx, "Failed to remove inbox file", "err", err, "path", p)
	}
	slog.InfoContext(ctx, "Uploaded inbox file", "path", p, "id", rec.ID)
}
