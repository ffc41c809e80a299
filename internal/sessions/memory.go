package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore provides an in-memory Store implementation for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*State{}}
}

func (m *MemoryStore) Create(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("session is required")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[state.ID]; ok {
		return ErrExists
	}
	m.sessions[state.ID] = state.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("session is required")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := state.Clone()
	if existing, ok := m.sessions[state.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	}
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// List returns sessions ordered by ID.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*State, error) {
	m.mu.RLock()
	out := make([]*State, 0, len(m.sessions))
	for _, state := range m.sessions {
		if !opts.IdleSince.IsZero() && !state.LastActive.Before(opts.IdleSince) {
			continue
		}
		out = append(out, state.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
