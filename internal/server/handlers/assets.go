// Handles listing, activation, removal, upload and retrieval of backgrounds.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/server/dto"
)

// AssetHandler handles asset HTTP requests.
type AssetHandler struct {
	Store *assets.Store
}

// ListAssets returns the collection, newest first.
func (h *AssetHandler) ListAssets(ctx context.Context, _ *dto.ListAssetsRequest) (*dto.ListAssetsResponse, error) {
	return &dto.ListAssetsResponse{Assets: AssetResponses(h.Store.ListAssets(ctx))}, nil
}

// Activate makes the asset the active background.
func (h *AssetHandler) Activate(ctx context.Context, req *dto.AssetIDRequest) (*dto.OkResponse, error) {
	if err := h.Store.SetActive(ctx, req.ID); err != nil {
		return nil, assetError(req.ID, err, h.Store.Limits())
	}
	return &dto.OkResponse{Ok: true}, nil
}

// Remove deletes the asset. Removing an unknown id succeeds.
func (h *AssetHandler) Remove(ctx context.Context, req *dto.AssetIDRequest) (*dto.OkResponse, error) {
	if err := h.Store.Remove(ctx, req.ID); err != nil {
		return nil, assetError(req.ID, err, h.Store.Limits())
	}
	return &dto.OkResponse{Ok: true}, nil
}

// UploadHandler stores the multipart "file" field as a new active background.
// This is a raw http.HandlerFunc because it handles multipart forms.
func (h *AssetHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	limits := h.Store.Limits()
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorResponse(w, dto.PayloadTooLarge(maxErr.Limit))
			return
		}
		writeErrorResponse(w, dto.BadRequest("form_parse"))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.WarnContext(r.Context(), "Failed to remove multipart temp files", "err", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorResponse(w, dto.MissingField("file"))
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.ErrorContext(r.Context(), "Failed to close uploaded file", "err", err)
		}
	}()

	var src io.Reader = file
	if limits.MaxAssetBytes > 0 {
		src = io.LimitReader(file, limits.MaxAssetBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		writeErrorResponse(w, dto.Internal("file_read"))
		return
	}

	rec, err := h.Store.Upload(r.Context(), filepath.Base(header.Filename), data)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to upload asset", "err", err, "filename", header.Filename, "size", len(data))
		writeErrorResponse(w, assetError("", err, limits))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	resp := dto.UploadResponse{
		ID:          rec.ID,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Size:        rec.Size(),
		Created:     rec.Created.UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write upload response", "err", err)
	}
}

// ServeBlob serves the stored bytes of an asset.
func (h *AssetHandler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, assetError(id, err, h.Store.Limits()))
		return
	}
	ct := rec.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// Ids are never reused so the bytes never change.
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := w.Write(rec.Data); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write asset data", "err", err, "id", id)
	}
}

// AssetResponses converts metadata into API responses.
func AssetResponses(list []assets.Meta) []dto.AssetResponse {
	out := make([]dto.AssetResponse, 0, len(list))
	for i := range list {
		m := &list[i]
		out = append(out, dto.AssetResponse{
			ID:        m.ID,
			Name:      m.Name,
			Active:    m.Active,
			Created:   m.CreatedTime().UTC().Format(time.RFC3339),
			CreatedMs: m.Created,
			SrcURL:    m.SrcURL,
			BlobURL:   "/api/v1/assets/" + m.ID + "/blob",
		})
	}
	return out
}
