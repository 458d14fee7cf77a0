package gateway

import (
	"sync"
	"time"
)

// ClientRegistry tracks connected clients and which turns each one is
// streaming. Removing a client hands back its bound turn IDs so the server
// can cancel turns orphaned by the disconnect.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	turns   map[string]map[string]struct{}
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		turns:   make(map[string]map[string]struct{}),
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove deletes a client and returns the turn IDs still bound to it.
func (r *ClientRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	bound := r.turns[clientID]
	delete(r.turns, clientID)

	orphans := make([]string, 0, len(bound))
	for turnID := range bound {
		orphans = append(orphans, turnID)
	}
	return orphans
}

// Get retrieves a client by ID.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// BindTurn associates a streaming turn with the client it is pushed to. It
// reports false if the client is already gone, in which case the caller
// should cancel the turn instead of pushing into the void.
func (r *ClientRegistry) BindTurn(clientID, turnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; !exists {
		return false
	}
	if r.turns[clientID] == nil {
		r.turns[clientID] = make(map[string]struct{})
	}
	r.turns[clientID][turnID] = struct{}{}
	return true
}

// ReleaseTurn drops a turn binding once the turn is terminal.
func (r *ClientRegistry) ReleaseTurn(clientID, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bound, exists := r.turns[clientID]
	if !exists {
		return
	}
	delete(bound, turnID)
	if len(bound) == 0 {
		delete(r.turns, clientID)
	}
}

// All returns every connected client.
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Authenticated returns the clients that completed the auth handshake.
func (r *ClientRegistry) Authenticated() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Snapshot reports per-client connection info, including how many turns
// each client is currently streaming.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			UserID:        client.UserID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > 5*time.Minute,
			ActiveTurns:   len(r.turns[client.ID]),
		})
	}
	return infos
}

// Touch marks activity on a client connection.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
