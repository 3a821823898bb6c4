// Package server implements the HTTP server and routing logic.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/config"
	"github.com/maruel/backdrop/internal/manifest"
	"github.com/maruel/backdrop/internal/server/handlers"
	"github.com/maruel/backdrop/internal/server/ratelimit"
	"github.com/maruel/backdrop/internal/surface"
)

// Options are the dependencies of the router.
type Options struct {
	Store    *assets.Store
	Importer *manifest.Importer
	Config   *config.ServerConfig
	// Limits may be nil to disable rate limiting.
	Limits  *ratelimit.Config
	Version string
	// Registry enables /metrics and HTTP metrics when set.
	Registry *prometheus.Registry
}

// NewRouter creates and configures the HTTP router.
// Serves API endpoints at /api/*, object URLs at /objects/ and the panel at /.
func NewRouter(opts Options) (http.Handler, error) {
	sc := opts.Config
	if sc == nil {
		d := config.Default()
		sc = &d
	}
	cfg := &Config{MaxRequestBodyBytes: sc.Quotas.MaxRequestBodyBytes, Limits: opts.Limits}

	defaults := manifest.DefaultOptions()
	defaults.Concurrency = sc.Import.Concurrency
	hh := handlers.NewHealthHandler(opts.Version)
	ah := &handlers.AssetHandler{Store: opts.Store}
	bh := &handlers.BackgroundHandler{Surface: opts.Store.Surface()}
	oh := &handlers.ObjectHandler{URLs: opts.Store.Surface().ObjectURLs()}
	ih := &handlers.ImportHandler{
		Importer: opts.Importer,
		Defaults: defaults,
		Timeout:  time.Duration(sc.Import.TimeoutSeconds) * time.Second,
	}
	eh := handlers.NewEventHandler(opts.Store)
	ph, err := handlers.NewPanelHandler(opts.Store)
	if err != nil {
		return nil, err
	}

	mux := &http.ServeMux{}
	mux.Handle("GET /api/health", Wrap(hh.Health, cfg))

	// Assets
	mux.Handle("GET /api/v1/assets", Wrap(ah.ListAssets, cfg))
	mux.Handle("POST /api/v1/assets", WrapRaw(ah.UploadHandler, cfg))
	mux.Handle("POST /api/v1/assets/{id}/activate", Wrap(ah.Activate, cfg))
	mux.Handle("DELETE /api/v1/assets/{id}", Wrap(ah.Remove, cfg))
	mux.Handle("GET /api/v1/assets/{id}/blob", WrapRaw(ah.ServeBlob, cfg))

	// Surface
	mux.Handle("GET /api/v1/background", Wrap(bh.GetBackground, cfg))
	mux.Handle("GET /api/v1/events", WrapRaw(eh.ServeEvents, cfg))
	mux.Handle("GET "+surface.ObjectPath+"{token}", WrapRaw(oh.ServeObject, cfg))

	// Import
	if opts.Importer != nil {
		mux.Handle("POST /api/v1/import", Wrap(ih.Import, cfg))
	}
	mux.Handle("GET /api/v1/schema/manifest", Wrap(ih.ManifestSchema, cfg))

	var metrics *Metrics
	if opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))
		if metrics, err = NewMetrics("backdrop", opts.Registry); err != nil {
			return nil, fmt.Errorf("register http metrics: %w", err)
		}
	}

	mux.Handle("GET /{$}", WrapRaw(ph.ServePanel, cfg))
	return Instrument(mux, metrics), nil
}
