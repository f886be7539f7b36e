// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"io/fs"
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the application router. Any request carrying WebSocket
// upgrade headers goes to the hub regardless of path; other GET requests are
// served health, metrics, or static assets.
func SetupRoutes(hub *Hub, assets fs.FS) *mux.Router {
	handlers := NewHandlers(hub)
	router := mux.NewRouter()

	router.NewRoute().HeadersRegexp(
		"Connection", "(?i)upgrade",
		"Upgrade", "(?i)websocket",
	).HandlerFunc(handlers.WebSocket)
	router.HandleFunc("/ws", handlers.WebSocket)

	router.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", hub.Metrics()).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(NewStaticHandler(assets)).Methods(http.MethodGet, http.MethodHead)

	return router
}
