package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrExists is returned by Create when the ID is taken.
	ErrExists = errors.New("session already exists")
)

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, state *State) error
	Get(ctx context.Context, id string) (*State, error)
	// Save inserts or replaces the full session record.
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*State, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	// IdleSince keeps only sessions last active before this instant.
	IdleSince time.Time
	Limit     int
	Offset    int
}

// GetOrCreate loads id, creating an empty session when it does not exist.
func GetOrCreate(ctx context.Context, store Store, id string, now time.Time) (*State, bool, error) {
	state, err := store.Get(ctx, id)
	if err == nil {
		return state, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	state = NewState(id, now)
	if err := store.Create(ctx, state); err != nil {
		if errors.Is(err, ErrExists) {
			state, err = store.Get(ctx, id)
			return state, false, err
		}
		return nil, false, err
	}
	return state, true, nil
}
