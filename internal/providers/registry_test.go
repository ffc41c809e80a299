package providers

import (
	"context"
	"testing"
)

type namedClient string

func (n namedClient) Name() string { return string(n) }
func (n namedClient) Complete(context.Context, Prompt) (string, error) {
	return string(n), nil
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(namedClient("openai"), namedClient(BackendID))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, ok := reg.Client("openai"); !ok {
		t.Error("Client(openai) missing")
	}
	if _, ok := reg.Client("google"); ok {
		t.Error("Client(google) should be missing")
	}
	if err := reg.Register(namedClient("openai")); err == nil {
		t.Error("duplicate Register() should fail")
	}
	if err := reg.Register(namedClient("")); err == nil {
		t.Error("Register() with empty name should fail")
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != BackendID || ids[1] != "openai" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestPromptLastUserText(t *testing.T) {
	p := Prompt{Messages: []Message{
		{Role: RoleUser, Text: "first"},
		{Role: RoleAssistant, Text: "reply"},
		{Role: RoleUser, Text: "second"},
		{Role: RoleAssistant, Text: "another"},
	}}
	if got := p.LastUserText(); got != "second" {
		t.Errorf("LastUserText() = %q, want %q", got, "second")
	}
	if got := (Prompt{}).LastUserText(); got != "" {
		t.Errorf("LastUserText() on empty = %q", got)
	}
}
