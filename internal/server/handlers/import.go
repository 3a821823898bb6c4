package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/maruel/backdrop/internal/manifest"
	"github.com/maruel/backdrop/internal/server/dto"
)

// ImportHandler imports remote manifests.
type ImportHandler struct {
	Importer *manifest.Importer
	// Defaults supplies Concurrency and the values of omitted flags.
	Defaults manifest.Options
	// Timeout bounds a whole import; 0 means no limit beyond the request.
	Timeout time.Duration
}

// Import fetches the manifest and adds its images.
func (h *ImportHandler) Import(ctx context.Context, req *dto.ImportRequest) (*dto.ImportResponse, error) {
	opts := h.Defaults
	if req.StoreBlobs != nil {
		opts.StoreBlobs = *req.StoreBlobs
	}
	if req.ApplyFirst != nil {
		opts.ApplyFirst = *req.ApplyFirst
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	res, err := h.Importer.Import(ctx, req.URL, opts)
	if err != nil {
		if errors.Is(err, manifest.ErrInvalid) {
			return nil, dto.BadRequest(res.Error)
		}
		return nil, dto.Upstream(res.Error)
	}
	return &dto.ImportResponse{Success: res.Success, Count: res.Count, Error: res.Error}, nil
}

// ManifestSchema returns the JSON schema of the manifest format.
func (h *ImportHandler) ManifestSchema(ctx context.Context, _ *dto.GetSchemaRequest) (*jsonschema.Schema, error) {
	return manifest.Schema(), nil
}
