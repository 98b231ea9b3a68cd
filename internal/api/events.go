package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/Nu11ified/code-spectre-sub000/internal/session"
)

// EventsHandler streams session lifecycle events over a websocket.
type EventsHandler struct {
	hub *session.Hub
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(hub *session.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// ServeHTTP upgrades the connection and forwards hub events as JSON text
// frames until the client goes away.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	events, cancel := h.hub.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode event", "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
