package server

import (
	"context"
	"io"
	"net/http"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names reported by the hub.
const (
	metricClients         = "clients"
	metricEnvelopesIn     = "envelopes.in"
	metricMalformed       = "envelopes.malformed"
	metricIgnored         = "envelopes.ignored"
	metricRateLimited     = "envelopes.ratelimited"
	metricBroadcasts      = "broadcasts"
	metricDeliveries      = "deliveries"
	metricDrops           = "drops"
	metricProbes          = "heartbeat.probes"
	metricReaped          = "heartbeat.reaped"
	metricConnectionsSeen = "connections.total"
)

// Metrics is a set of counters backed by a go-metrics registry.
type Metrics struct {
	reg gometrics.Registry
}

// NewMetrics returns Metrics with a private registry.
func NewMetrics() *Metrics {
	return &Metrics{reg: gometrics.NewRegistry()}
}

func (m *Metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *Metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

// Count returns the current value of the named counter.
func (m *Metrics) Count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

// WriteJSON writes one JSON snapshot of all counters to w.
func (m *Metrics) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(m.reg, w)
}

// Report writes a snapshot to w every interval until ctx is done, then
// writes a final snapshot.
func (m *Metrics) Report(ctx context.Context, interval time.Duration, w io.Writer) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.WriteJSON(w)
		case <-ctx.Done():
			m.WriteJSON(w)
			return nil
		}
	}
}

// ServeHTTP serves the current snapshot as JSON.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m.WriteJSON(w)
}
