// Package server exposes HTTP handlers: WebSocket upgrades, health checks,
// metrics, and the static client.
package server

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handlers bundles the HTTP handlers that share a Hub.
type Handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandlers creates the handlers for hub, checking upgrade origins against
// the hub's configuration.
func NewHandlers(hub *Hub) *Handlers {
	policy := newOriginPolicy(hub.config.Origins())
	return &Handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
	}
}

// WebSocket upgrades the request and hands the new client to the hub, which
// starts its read and write pumps.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if !h.hub.Register(client) {
		_ = conn.Close()
	}
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "Relay chat server is running!")
}
