// Provides helper functions for writing error responses.

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/manifest"
	"github.com/maruel/backdrop/internal/server/dto"
)

// writeErrorResponse writes an APIError as a JSON response.
// Use this in raw http.HandlerFunc handlers that don't use server.Wrap.
func writeErrorResponse(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	errorCode := dto.ErrorCodeInternal
	message := "internal error"
	var details map[string]any

	var ewsErr dto.ErrorWithStatus
	if errors.As(err, &ewsErr) {
		statusCode = ewsErr.StatusCode()
		errorCode = ewsErr.Code()
		message = ewsErr.Error()
		details = ewsErr.Details()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := dto.ErrorResponse{
		Error: dto.ErrorDetails{
			Code:    errorCode,
			Message: message,
		},
		Details: details,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}

// assetError maps store errors to API errors.
func assetError(id string, err error, limits assets.Limits) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, assets.ErrNotFound):
		return dto.AssetNotFound(id)
	case errors.Is(err, assets.ErrTooLarge):
		return dto.PayloadTooLarge(limits.MaxAssetBytes)
	case errors.Is(err, assets.ErrQuotaExceeded):
		return dto.QuotaExceeded("asset quota exceeded").WithDetail("max_assets", limits.MaxAssets)
	case errors.Is(err, manifest.ErrInvalid):
		return dto.BadRequest(err.Error())
	}
	return dto.NewAPIError(http.StatusInternalServerError, dto.ErrorCodeStorageError, "storage error").Wrap(err)
}
