// Package sessions holds per-session conversation state, its persistence,
// and the per-session request queue.
package sessions

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/parley/internal/credentials"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entity is a referenceable token extracted from a turn.
type Entity struct {
	Value    string `json:"value"`
	Category string `json:"category"`
}

// Turn is one utterance. Only Entities may change after creation, and only
// once, through SetEntities.
type Turn struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Entities    []Entity  `json:"entities,omitempty"`
	EntitiesSet bool      `json:"entities_set,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewTurn returns a turn stamped with a ULID derived from now.
func NewTurn(role Role, text string, now time.Time) Turn {
	return Turn{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	}
}

// SetEntities records the extracted entities. It reports false and leaves the
// turn untouched when entities were already set.
func (t *Turn) SetEntities(entities []Entity) bool {
	if t.EntitiesSet {
		return false
	}
	t.Entities = append([]Entity(nil), entities...)
	t.EntitiesSet = true
	return true
}

// CredentialRecord is the persisted view of the session credential. Secrets
// are never stored with the session.
type CredentialRecord struct {
	Kind      credentials.Kind `json:"kind"`
	ExpiresAt time.Time        `json:"expires_at,omitzero"`
}

// RecordOf returns the persisted view of m.
func RecordOf(m credentials.Material) CredentialRecord {
	return CredentialRecord{Kind: m.Kind, ExpiresAt: m.ExpiresAt}
}

// State is one session. Turns before ArchiveCursor are represented by
// ArchiveSummary and are kept only for audit.
type State struct {
	ID             string           `json:"id"`
	Turns          []Turn           `json:"turns"`
	ArchiveCursor  int              `json:"archive_cursor"`
	ArchiveSummary string           `json:"archive_summary,omitempty"`
	Credential     CredentialRecord `json:"credential"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActive     time.Time        `json:"last_active"`
}

// NewState returns an empty session.
func NewState(id string, now time.Time) *State {
	return &State{ID: id, CreatedAt: now, LastActive: now}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		for i, t := range s.Turns {
			t.Entities = append([]Entity(nil), t.Entities...)
			out.Turns[i] = t
		}
	}
	return &out
}

// Unarchived returns the turns after the archive cursor. The slice aliases s.
func (s *State) Unarchived() []Turn {
	if s.ArchiveCursor >= len(s.Turns) {
		return nil
	}
	return s.Turns[s.ArchiveCursor:]
}

// UnarchivedBytes is the total text size of the unarchived turns.
func (s *State) UnarchivedBytes() int {
	n := 0
	for _, t := range s.Unarchived() {
		n += len(t.Text)
	}
	return n
}

// Append adds turns and bumps LastActive to the newest timestamp.
func (s *State) Append(turns ...Turn) {
	for _, t := range turns {
		s.Turns = append(s.Turns, t)
		if t.Timestamp.After(s.LastActive) {
			s.LastActive = t.Timestamp
		}
	}
}

// Validate checks the cursor invariant.
func (s *State) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if s.ArchiveCursor < 0 || s.ArchiveCursor > len(s.Turns) {
		return fmt.Errorf("session %s: archive cursor %d outside [0, %d]", s.ID, s.ArchiveCursor, len(s.Turns))
	}
	return nil
}
