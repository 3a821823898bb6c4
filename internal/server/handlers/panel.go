package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/server/dto"
)

//go:embed panel.html
var panelFS embed.FS

// PanelHandler renders the management page.
type PanelHandler struct {
	Store *assets.Store
	tmpl  *template.Template
}

type panelAsset struct {
	ID      string
	Name    string
	Active  bool
	Created string
	Thumb   string
}

type panelData struct {
	Assets     []panelAsset
	Background dto.BackgroundResponse
	Style      template.CSS
}

// NewPanelHandler parses the embedded template.
func NewPanelHandler(store *assets.Store) (*PanelHandler, error) {
	t, err := template.ParseFS(panelFS, "panel.html")
	if err != nil {
		return nil, fmt.Errorf("parse panel template: %w", err)
	}
	return &PanelHandler{Store: store, tmpl: t}, nil
}

// ServePanel renders one thumbnail per asset, newest first.
func (h *PanelHandler) ServePanel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list := h.Store.ListAssets(ctx)
	data := panelData{
		Assets:     make([]panelAsset, 0, len(list)),
		Background: BackgroundResponse(h.Store.Surface().Snapshot()),
	}
	for i := range list {
		m := &list[i]
		thumb := m.SrcURL
		if thumb == "" {
			thumb = "/api/v1/assets/" + m.ID + "/blob"
		}
		data.Assets = append(data.Assets, panelAsset{
			ID:      m.ID,
			Name:    m.Name,
			Active:  m.Active,
			Created: m.CreatedTime().Format("2006-01-02 15:04"),
			Thumb:   thumb,
		})
	}
	data.Style = style(data.Background)

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		slog.ErrorContext(ctx, "Failed to render panel", "err", err)
		writeErrorResponse(w, dto.Internal("render"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.ErrorContext(ctx, "Failed to write panel", "err", err)
	}
}

// style renders the background element's inline style. The image value is
// produced by the surface and already quoted.
func style(b dto.BackgroundResponse) template.CSS {
	var s strings.Builder
	if b.BackgroundImage != "" {
		s.WriteString("background-image: " + b.BackgroundImage + "; ")
	}
	s.WriteString("opacity: " + strconv.FormatFloat(b.Opacity, 'f', -1, 64) + ";")
	if b.Transition != "" {
		s.WriteString(" transition: " + b.Transition + ";")
	}
	return template.CSS(s.String())
}
