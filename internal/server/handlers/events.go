package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maruel/backdrop/internal/assets"
	"github.com/maruel/backdrop/internal/server/dto"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventHandler streams the collection and surface state over a websocket.
type EventHandler struct {
	store    *assets.Store
	upgrader websocket.Upgrader
}

// NewEventHandler creates an event feed for store. Only same-origin
// browsers may connect.
func NewEventHandler(store *assets.Store) *EventHandler {
	return &EventHandler{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeEvents sends the state on connect and after every mutation. Updates
// that arrive faster than the client reads are coalesced to the latest.
func (h *EventHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "Websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	updates := make(chan []assets.Meta, 1)
	unsubscribe := h.store.Subscribe(func(list []assets.Meta) {
		for {
			select {
			case updates <- list:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	// The reader only detects the client going away.
	conn.SetReadLimit(512)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := h.send(conn, h.store.ListAssets(ctx)); err != nil {
		slog.WarnContext(ctx, "Failed to send state", "err", err)
		return
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case list := <-updates:
			if err := h.send(conn, list); err != nil {
				slog.WarnContext(ctx, "Failed to send state", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *EventHandler) send(conn *websocket.Conn, list []assets.Meta) error {
	msg := dto.StateResponse{
		Assets:     AssetResponses(list),
		Background: BackgroundResponse(h.store.Surface().Snapshot()),
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
