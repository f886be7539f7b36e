// Package server coordinates client registration, envelope dispatch, and
// connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	// AnonymousName is relayed for chat messages from clients that never joined.
	AnonymousName = "Anonymous"
	// LeaverFallbackName is used in leave notices for clients that never joined.
	LeaverFallbackName = "A user"
)

// Hub owns the Registry and serializes registration, unregistration,
// inbound dispatch, and heartbeat ticks on a single event loop.
type Hub struct {
	config   Config
	registry *Registry
	metrics  *Metrics
	now      func() time.Time

	register chan *Client
	inbound  chan inboundFrame

	wg      sync.WaitGroup
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithClock sets the time source used to stamp outbound envelopes.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

// WithMetrics makes the hub record into m instead of a private set.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a Hub for cfg. The returned Hub is idle until Run is called.
func NewHub(cfg Config, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:     cfg,
		registry:   NewRegistry(),
		metrics:    NewMetrics(),
		now:        time.Now,
		register: make(chan *Client),
		inbound:  make(chan inboundFrame, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry returns the hub's live connection set.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Metrics returns the hub's counters.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	h.started.Store(true)
	defer close(h.done)

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	log.Info().Dur("heartbeat", h.config.HeartbeatInterval).Msg("hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case frame := <-h.inbound:
			if frame.closed {
				h.remove(frame.client, "closed")
				continue
			}
			h.Dispatch(frame.client, frame.raw)

		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Register hands client to the event loop, which starts its pumps. It
// returns false if the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) addClient(client *Client) {
	if client == nil {
		log.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.registry.Register(client)
	h.metrics.incr(metricClients, 1)
	h.metrics.incr(metricConnectionsSeen, 1)
	log.Info().Str("client_id", client.id).Str("addr", client.addr).
		Int("clients", h.registry.Len()).Msg("client registered")

	if client.conn == nil {
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// submit queues an inbound frame for dispatch in receipt order.
func (h *Hub) submit(client *Client, raw []byte) bool {
	return h.enqueueFrame(inboundFrame{client: client, raw: raw})
}

// submitClose queues client's removal behind the frames it already submitted.
func (h *Hub) submitClose(client *Client) {
	h.enqueueFrame(inboundFrame{client: client, closed: true})
}

func (h *Hub) enqueueFrame(frame inboundFrame) bool {
	select {
	case h.inbound <- frame:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// remove terminates client, unregisters it and, if it was still live,
// broadcasts a leave notice to everyone that remains.
func (h *Hub) remove(client *Client, reason string) {
	if client == nil {
		return
	}

	client.terminate()
	name, ok := h.registry.Unregister(client)
	if !ok {
		return
	}
	client.closeSend()
	h.metrics.decr(metricClients, 1)

	log.Info().Str("client_id", client.id).Str("addr", client.addr).Str("reason", reason).
		Int("clients", h.registry.Len()).Msg("client unregistered")

	if name == "" {
		name = LeaverFallbackName
	}
	h.broadcastLogged(SystemEnvelope{
		Text: fmt.Sprintf("%s left the chat", name),
		Time: h.now(),
	}, nil)
}

// Dispatch decodes raw as an envelope from client and relays it. Malformed
// frames, unknown envelope types and frames from clients no longer in the
// registry are dropped without a reply.
func (h *Hub) Dispatch(client *Client, raw []byte) {
	if !h.registry.Contains(client) {
		log.Debug().Str("client_id", clientID(client)).Msg("discarding frame from removed client")
		return
	}
	h.metrics.incr(metricEnvelopesIn, 1)

	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		h.metrics.incr(metricMalformed, 1)
		log.Warn().Err(err).Str("client_id", clientID(client)).Msg("discarding malformed envelope")
		return
	}

	switch e := envelope.(type) {
	case JoinEnvelope:
		h.registry.SetName(client, e.Name)
		log.Info().Str("client_id", clientID(client)).Str("name", e.Name).Msg("client joined")
		h.broadcastLogged(SystemEnvelope{
			Text: fmt.Sprintf("%s entered the chat", e.Name),
			Time: h.now(),
		}, nil)

	case ChatEnvelope:
		name := h.displayName(client, e.Name)
		log.Debug().Str("client_id", clientID(client)).Str("name", name).Msg("relaying message")
		h.broadcastLogged(MessageEnvelope{
			Name: name,
			Text: e.Text,
			Time: h.now(),
		}, nil)

	case UnknownEnvelope:
		h.metrics.incr(metricIgnored, 1)
		log.Debug().Str("client_id", clientID(client)).Str("type", e.Type).Msg("ignoring unknown envelope type")
	}
}

// displayName resolves the relayed name: the joined name, else the name the
// envelope carries, else AnonymousName.
func (h *Hub) displayName(client *Client, fallback string) string {
	if name, ok := h.registry.Name(client); ok {
		return name
	}
	if fallback != "" {
		return fallback
	}
	return AnonymousName
}

// Broadcast encodes envelope once and enqueues it for every live client
// except exclude. Recipients with a full queue miss the envelope. It returns
// the number of clients the envelope was queued for.
func (h *Hub) Broadcast(envelope Outbound, exclude *Client) (int, error) {
	payload, err := envelope.Encode()
	if err != nil {
		return 0, errors.Wrap(err, "encode envelope")
	}

	recipients := lo.Filter(h.registry.Snapshot(), func(client *Client, _ int) bool {
		return client != exclude && client.IsOpen()
	})

	delivered := 0
	for _, client := range recipients {
		if client.enqueue(payload) {
			delivered++
			continue
		}
		h.metrics.incr(metricDrops, 1)
		log.Warn().Str("client_id", client.id).Msg("outbound queue full; dropping envelope")
	}

	h.metrics.incr(metricBroadcasts, 1)
	h.metrics.incr(metricDeliveries, int64(delivered))
	log.Debug().Int("recipients", len(recipients)).Int("delivered", delivered).Msg("broadcast")
	return delivered, nil
}

func (h *Hub) broadcastLogged(envelope Outbound, exclude *Client) {
	if _, err := h.Broadcast(envelope, exclude); err != nil {
		log.Error().Err(err).Msg("broadcast failed")
	}
}

func clientID(client *Client) string {
	if client == nil {
		return ""
	}
	return client.id
}

// shutdownClients closes every live connection.
func (h *Hub) shutdownClients() {
	clients := h.registry.Snapshot()
	for _, client := range clients {
		client.terminate()
		if _, ok := h.registry.Unregister(client); ok {
			client.closeSend()
			h.metrics.decr(metricClients, 1)
		}
	}

	log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the event loop, closes every connection and waits for the
// client goroutines to finish or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Msg("initiating hub shutdown")

	h.cancel()
	if h.started.Load() {
		<-h.done
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
