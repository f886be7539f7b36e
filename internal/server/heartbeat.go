package server

import "github.com/rs/zerolog/log"

// Heartbeat runs one liveness cycle over the live clients. A client still
// Probed from the previous cycle never answered its ping and is reaped; an
// Active client is moved to Probed and its write pump sends the ping, so a
// peer with a stalled socket never blocks the cycle. The event loop calls this
// on every HeartbeatInterval tick, so a silent peer is gone within two periods.
func (h *Hub) Heartbeat() {
	for _, client := range h.registry.Snapshot() {
		switch client.State() {
		case StateProbed:
			h.metrics.incr(metricReaped, 1)
			log.Info().Str("client_id", client.id).Str("addr", client.addr).Msg("reaping unresponsive client")
			h.remove(client, "heartbeat timeout")

		case StateActive:
			if client.probe() {
				h.metrics.incr(metricProbes, 1)
			}

		case StateClosed:
			h.remove(client, "closed")
		}
	}
}
