package events

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"manifold/internal/core/reconciler"
)

func NewRequestHandler(controller reconciler.ControllerHandler) *Handler {
	return &Handler{
		controllerHandler: controller,
		Upgrader:          websocket.Upgrader{},
	}
}

type Handler struct {
	controllerHandler reconciler.ControllerHandler
	Upgrader          websocket.Upgrader
}

// ServeHTTP handles GET /v1/events (WebSocket). Each reconciler phase
// transition is pushed to the client as one JSON text message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := h.Upgrader
	if up.CheckOrigin == nil {
		up.CheckOrigin = func(r *http.Request) bool { return true }
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Printf("events: upgrade failed: err=%v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.controllerHandler.Subscribe()
	defer cancel()

	// drain client frames so close/ping handling keeps working
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}
}
