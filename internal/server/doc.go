// Package server implements the chat relay: a WebSocket hub that tracks live
// connections and their display names, relays join notices and chat messages
// to every connection, and reaps peers that stop answering pings.
//
// The implementation is organized into files for envelopes, the registry,
// clients, the hub and its heartbeat, configuration, routing, and the static
// client assets.
package server
