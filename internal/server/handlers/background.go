package handlers

import (
	"context"

	"github.com/maruel/backdrop/internal/server/dto"
	"github.com/maruel/backdrop/internal/surface"
)

// BackgroundHandler reports the surface state.
type BackgroundHandler struct {
	Surface *surface.Surface
}

// GetBackground returns the current surface state.
func (h *BackgroundHandler) GetBackground(ctx context.Context, _ *dto.GetBackgroundRequest) (*dto.BackgroundResponse, error) {
	resp := BackgroundResponse(h.Surface.Snapshot())
	return &resp, nil
}

// BackgroundResponse converts a surface state into its API form.
func BackgroundResponse(s surface.State) dto.BackgroundResponse {
	return dto.BackgroundResponse{
		BackgroundImage: s.BackgroundImage,
		Opacity:         s.Opacity,
		Transition:      s.Transition,
		Status:          s.Status,
		ObjectURL:       s.ObjectURL,
	}
}
