package errkind

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(Exhausted, "retry.execute", errors.New("deadline"))
	wrapped := fmt.Errorf("handle: %w", err)

	if !errors.Is(wrapped, ErrExhausted) {
		t.Error("errors.Is(wrapped, ErrExhausted) = false, want true")
	}
	if errors.Is(wrapped, ErrFatalUpstream) {
		t.Error("errors.Is(wrapped, ErrFatalUpstream) = true, want false")
	}
	if got := KindOf(wrapped); got != Exhausted {
		t.Errorf("KindOf() = %q, want %q", got, Exhausted)
	}
}

func TestNestedKinds(t *testing.T) {
	cause := New(FatalUpstream, "complete", errors.New("401")).WithProvider("openai")
	err := New(Exhausted, "retry.execute", cause)

	if !Has(err, FatalUpstream) {
		t.Error("Has(err, FatalUpstream) = false, want true")
	}
	if KindOf(err) != Exhausted {
		t.Errorf("KindOf() = %q, want outermost kind %q", KindOf(err), Exhausted)
	}
	if !strings.Contains(err.Error(), "(openai)") {
		t.Errorf("Error() = %q, want provider attribution", err.Error())
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{NoUsableCredential, false},
		{Misconfigured, false},
		{TransientUpstream, true},
		{FatalUpstream, false},
		{Exhausted, true},
		{ArchivalDeferred, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Recoverable(); got != tt.want {
			t.Errorf("%s.Recoverable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestUserMessageHidesDetails(t *testing.T) {
	err := New(FatalUpstream, "complete", errors.New("sk-secret-key rejected"))
	msg := UserMessage(err)
	if strings.Contains(msg, "sk-secret") {
		t.Errorf("UserMessage() leaked cause: %q", msg)
	}
	if msg == "" {
		t.Error("UserMessage() = empty, want text")
	}
	if UserMessage(nil) != "" {
		t.Error("UserMessage(nil) should be empty")
	}
}
