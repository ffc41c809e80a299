// Package safety classifies requested actions into Allow, Confirm, or Deny.
//
// Classification is total and fails closed: input that matches no rule, or
// that cannot be parsed, is Confirm.
package safety

import (
	"fmt"
	"strings"
)

// Tier is a safety classification. The zero value is Confirm.
type Tier int

const (
	Confirm Tier = iota
	Allow
	Deny
)

func (t Tier) String() string {
	switch t {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "confirm"
	}
}

// MarshalText encodes the tier name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses "allow", "confirm" or "deny".
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "confirm":
		return Confirm, nil
	case "deny":
		return Deny, nil
	}
	return Confirm, fmt.Errorf("unknown safety tier %q", s)
}

func (t Tier) rank() int {
	switch t {
	case Allow:
		return 0
	case Deny:
		return 2
	default:
		return 1
	}
}

// Stricter returns the stricter of a and b.
func Stricter(a, b Tier) Tier {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
