package credentials

import (
	"context"
	"sync"
	"sync/atomic"
)

// Store yields the current credential material and notifies subscribers when
// it changes.
type Store interface {
	Load(ctx context.Context) (Material, error)
	OnRefresh(fn func(Material)) (cancel func())
}

// Replacer accepts refreshed material.
type Replacer interface {
	Replace(m Material)
}

// holder publishes material through an atomic pointer so readers never block
// on writers.
type holder struct {
	current atomic.Pointer[Material]

	mu     sync.Mutex
	subs   map[int]func(Material)
	nextID int
}

func (h *holder) load() (Material, bool) {
	p := h.current.Load()
	if p == nil {
		return Material{}, false
	}
	return p.Clone(), true
}

func (h *holder) replace(m Material) {
	cp := m.Clone()
	h.current.Store(&cp)

	h.mu.Lock()
	subs := make([]func(Material), 0, len(h.subs))
	for id := 0; id < h.nextID; id++ {
		if fn, ok := h.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(cp.Clone())
	}
}

func (h *holder) subscribe(fn func(Material)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Material))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// MemoryStore holds material supplied in-process, for example from
// environment variables.
type MemoryStore struct {
	h holder
}

// NewMemoryStore returns a store seeded with m.
func NewMemoryStore(m Material) *MemoryStore {
	s := &MemoryStore{}
	cp := m.Clone()
	s.h.current.Store(&cp)
	return s
}

func (s *MemoryStore) Load(context.Context) (Material, error) {
	if m, ok := s.h.load(); ok {
		return m, nil
	}
	return Absent(), nil
}

func (s *MemoryStore) Replace(m Material) { s.h.replace(m) }

func (s *MemoryStore) OnRefresh(fn func(Material)) func() { return s.h.subscribe(fn) }
