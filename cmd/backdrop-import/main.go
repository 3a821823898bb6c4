// Package main is the entry point for the backdrop-import CLI tool.
//
// backdrop-import fills a backdrop data directory offline: it can load a
// browser localStorage dump (a JSON object of string values, migrating the
// legacy background keys) and import an image manifest from a URL or a local
// file. Stop the server before running it against the same stores.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/blobstore"
	"github.com/maruel/backdrop/internal/config"
	"github.com/maruel/backdrop/internal/kv"
	"github.com/maruel/backdrop/internal/logging"
	"github.com/maruel/backdrop/internal/manifest"
	"github.com/maruel/backdrop/internal/surface"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "backdrop-import: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data-dir", "./data", "Data directory")
	kvPath := flag.String("kv", "", "Metadata store (default: <data-dir>/kv.json)")
	blobsPath := flag.String("blobs", "", "Blob store (default: <data-dir>/blobs)")
	localStorage := flag.String("local-storage", "", "JSON dump of browser localStorage to load before importing")
	manifestLoc := flag.String("manifest", "", "Manifest URL or local path to import")
	storeBlobs := flag.Bool("store-blobs", true, "Download images instead of only recording their URL")
	applyFirst := flag.Bool("apply-first", true, "Make the first imported image active")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *localStorage == "" && *manifestLoc == "" {
		return errors.New("-local-storage or -manifest is required")
	}

	logger, ll := logging.New()
	slog.SetDefault(logger)
	if err := logging.SetLevel(ll, *logLevel); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if *kvPath == "" {
		*kvPath = filepath.Join(*dataDir, "kv.json")
	}
	if *blobsPath == "" {
		*blobsPath = filepath.Join(*dataDir, "blobs")
	}
	cfg, err := config.LoadServerConfig(*dataDir)
	if err != nil {
		return err
	}
	meta, err := kv.Open(*kvPath)
	if err != nil {
		return err
	}
	defer func() { _ = meta.Close() }()
	blobs, err := blobstore.Open(*blobsPath)
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	if *localStorage != "" {
		n, err := loadLocalStorage(meta, *localStorage)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Loaded localStorage dump", "keys", n)
	}

	store, err := assets.New(meta, blobs, surface.New(surface.Options{}),
		assets.WithLimits(assets.Limits{MaxAssetBytes: cfg.Quotas.MaxAssetBytes, MaxAssets: cfg.Quotas.MaxAssets}))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if *manifestLoc != "" {
		im := manifest.NewImporter(store, manifest.WithLocalFiles(true), manifest.WithMaxBytes(cfg.Quotas.MaxAssetBytes))
		res, err := im.Import(ctx, *manifestLoc, manifest.Options{
			StoreBlobs:  *storeBlobs,
			ApplyFirst:  *applyFirst,
			Concurrency: cfg.Import.Concurrency,
		})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err2 := enc.Encode(res); err == nil {
			err = err2
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadLocalStorage copies every string entry of the JSON object in path into
// meta. Existing keys are overwritten.
func loadLocalStorage(meta kv.Store, path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from a flag.
	if err != nil {
		return 0, err
	}
	var dump map[string]any
	if err := json.Unmarshal(data, &dump); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	n := 0
	for k, v := range dump {
		s, ok := v.(string)
		if !ok {
			slog.Warn("Skipping non-string localStorage entry", "key", k)
			continue
		}
		if err := meta.Set(k, s); err != nil {
			return n, fmt.Errorf("set %s: %w", k, err)
		}
		n++
	}
	return n, nil
}
