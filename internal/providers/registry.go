package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider identifiers to clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry returns a registry pre-populated with clients.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a client. Registering the same name twice is an error.
func (r *Registry) Register(c Client) error {
	if c == nil {
		return fmt.Errorf("providers: nil client")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("providers: client has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("providers: %q already registered", name)
	}
	r.clients[name] = c
	return nil
}

// Client returns the client registered under id.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// IDs lists registered provider identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
