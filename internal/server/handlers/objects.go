package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/maruel/backdrop/internal/server/dto"
	"github.com/maruel/backdrop/internal/surface"
)

// ObjectHandler serves live object URLs created by the surface.
type ObjectHandler struct {
	URLs *surface.ObjectURLs
}

// ServeObject writes the bytes behind an object URL. Revoked URLs are 404.
func (h *ObjectHandler) ServeObject(w http.ResponseWriter, r *http.Request) {
	obj, ok := h.URLs.Resolve(r.PathValue("token"))
	if !ok {
		writeErrorResponse(w, dto.NotFound("object"))
		return
	}
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(obj.Data); err != nil {
		slog.ErrorContext(r.Context(), "Failed to write object", "err", err)
	}
}
