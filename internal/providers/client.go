// Package providers adapts model backends behind a single completion call.
//
// Each client performs exactly one upstream request per Complete call. SDK
// level retries are disabled; retry policy belongs to the orchestrator.
package providers

import (
	"context"
	"strings"
)

// BackendID identifies the proxied backend. It is treated as one provider
// for retry purposes.
const BackendID = "backend"

// Role is the speaker of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior exchange in a prompt.
type Message struct {
	Role Role
	Text string
}

// Prompt is the provider-neutral request body.
type Prompt struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
}

// LastUserText returns the text of the final user message, if any.
func (p Prompt) LastUserText() string {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleUser {
			return p.Messages[i].Text
		}
	}
	return ""
}

// Client issues one completion request.
type Client interface {
	Name() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// KeyFunc returns the credential to present on the next request. It is read
// per call so credential refreshes take effect without rebuilding clients.
type KeyFunc func() string

// StaticKey returns a KeyFunc that always yields key.
func StaticKey(key string) KeyFunc {
	return func() string { return key }
}

const defaultMaxTokens = 1024

func maxTokens(p Prompt, fallback int) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	if fallback > 0 {
		return fallback
	}
	return defaultMaxTokens
}

func modelOr(p Prompt, fallback string) string {
	if m := strings.TrimSpace(p.Model); m != "" {
		return m
	}
	return fallback
}
