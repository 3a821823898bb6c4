// Package main is the entry point for the backdrop server.
//
// backdrop keeps a collection of background images, applies the active one
// to a background surface and exposes a management panel plus a JSON API.
// Configuration is read from CLI flags, a .env file and the BACKDROP_*
// environment variables (for deployment settings), and server_config.json
// (for quotas, rate limits and surface styling).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/blobstore"
	"github.com/maruel/backdrop/internal/config"
	"github.com/maruel/backdrop/internal/inbox"
	"github.com/maruel/backdrop/internal/kv"
	"github.com/maruel/backdrop/internal/logging"
	"github.com/maruel/backdrop/internal/manifest"
	"github.com/maruel/backdrop/internal/server"
	"github.com/maruel/backdrop/internal/server/ratelimit"
	"github.com/maruel/backdrop/internal/surface"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "backdrop: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	baseURL := flag.String("base-url", "", "Absolute base URL for object URLs (default: relative URLs)")
	kvPath := flag.String("kv", "", "Metadata store; .db or .bolt selects bbolt (default: <data-dir>/kv.json)")
	blobsPath := flag.String("blobs", "", "Blob store; sqlite:<path> or .db selects SQLite (default: <data-dir>/blobs)")
	inboxDir := flag.String("inbox", "", "Directory watched for new images to upload (disabled when empty)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	logger, ll := logging.New()
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	env, err := config.LoadEnv(*dataDir)
	if err != nil {
		return err
	}
	serverCfg, err := config.LoadServerConfig(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", config.FileName, err)
	}

	// Override with environment values if not explicitly set via flags.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	override := func(name string, dst *string, v string) {
		if !set[name] && v != "" {
			*dst = v
		}
	}
	override("http", httpAddr, env.HTTP)
	override("log-level", logLevel, env.LogLevel)
	override("base-url", baseURL, env.BaseURL)
	override("kv", kvPath, env.KV)
	override("blobs", blobsPath, env.Blobs)
	override("inbox", inboxDir, env.Inbox)
	if err := logging.SetLevel(ll, *logLevel); err != nil {
		return err
	}
	if *kvPath == "" {
		*kvPath = filepath.Join(*dataDir, "kv.json")
	}
	if *blobsPath == "" {
		*blobsPath = filepath.Join(*dataDir, "blobs")
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	// Append port to base URL if localhost and no port specified
	if u, err := url.Parse(*baseURL); *baseURL != "" && err == nil && u.Port() == "" && u.Hostname() == "localhost" {
		if _, p, err := net.SplitHostPort(addr); err == nil {
			u.Host = net.JoinHostPort(u.Hostname(), p)
			*baseURL = u.String()
		}
	}

	meta, err := kv.Open(*kvPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() {
		if err := meta.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close metadata store", "err", err)
		}
	}()
	blobs, err := blobstore.Open(*blobsPath)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close blob store", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs, err := assets.NewPrometheusObserver("backdrop", reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	surf := surface.New(surface.Options{
		BaseURL:       *baseURL,
		ActiveOpacity: serverCfg.Surface.ActiveOpacity,
		Transition:    serverCfg.Surface.Transition,
		ActiveLabel:   serverCfg.Surface.ActiveLabel,
		EmptyLabel:    serverCfg.Surface.EmptyLabel,
	})
	store, err := assets.New(meta, blobs, surf,
		assets.WithLimits(assets.Limits{
			MaxAssetBytes: serverCfg.Quotas.MaxAssetBytes,
			MaxAssets:     serverCfg.Quotas.MaxAssets,
		}),
		assets.WithObserver(obs),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize asset store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Init(ctx); err != nil {
		// Migration failures leave the legacy data in place; keep serving.
		slog.ErrorContext(ctx, "Legacy migration incomplete", "err", err)
	}

	importer := manifest.NewImporter(store,
		manifest.WithMaxBytes(serverCfg.Quotas.MaxAssetBytes),
		manifest.WithHTTPClient(&http.Client{Timeout: time.Duration(serverCfg.Import.TimeoutSeconds) * time.Second}),
	)
	limits := ratelimit.NewConfig(serverCfg.RateLimits.WriteRatePerMin, serverCfg.RateLimits.ImportRatePerMin, serverCfg.RateLimits.ReadRatePerMin)
	defer limits.Close()

	// Watch own executable for modifications (for development restarts)
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	inboxDone := make(chan struct{})
	if *inboxDir != "" {
		w := inbox.New(*inboxDir, store)
		go func() {
			defer close(inboxDone)
			if err := w.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "Inbox stopped", "err", err, "dir", *inboxDir)
			}
		}()
	} else {
		close(inboxDone)
	}

	buildVersion, _, _, _ := getBuildInfo()
	handler, err := server.NewRouter(server.Options{
		Store:    store,
		Importer: importer,
		Config:   serverCfg,
		Limits:   limits,
		Version:  buildVersion,
		Registry: reg,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "baseURL", *baseURL, "version", buildVersion, "kv", *kvPath, "blobs", *blobsPath)
		serverErr <- httpServer.ListenAndServe()
	}()

	// Wait for either context cancellation or server error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-inboxDone
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		// Graceful shutdown
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		<-inboxDone
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("backdrop %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
