package server

import "sync"

// Registry is the authoritative set of live clients and their display names.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[*Client]string)}
}

// Register adds client to the live set.
func (r *Registry) Register(client *Client) {
	if client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client]; !ok {
		r.clients[client] = ""
	}
}

// SetName binds name to client. A later call overwrites the earlier name.
// Clients that are not registered are ignored.
func (r *Registry) SetName(client *Client, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client]; ok {
		r.clients[client] = name
	}
}

// Name returns the display name bound to client, if any.
func (r *Registry) Name(client *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.clients[client]
	return name, ok && name != ""
}

// Unregister removes client from the live set and reports whether it was
// present along with its last display name.
func (r *Registry) Unregister(client *Client) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.clients[client]
	if !ok {
		return "", false
	}
	delete(r.clients, client)
	return name, true
}

// Contains reports whether client is currently registered.
func (r *Registry) Contains(client *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[client]
	return ok
}

// Snapshot returns the clients registered at the time of the call.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
