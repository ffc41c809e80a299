package conversation

import (
	"strings"

	"github.com/haasonsaas/parley/internal/providers"
	"github.com/haasonsaas/parley/internal/sessions"
)

const summaryHeader = "Summary of the earlier conversation:"

// BuildPrompt assembles the provider prompt from the archive summary, the
// window, and the derived incoming text. Archived turns reach the model only
// through summary.
func (t *Tracker) BuildPrompt(summary string, window []sessions.Turn, derived string) providers.Prompt {
	var system strings.Builder
	system.WriteString(strings.TrimSpace(t.system))
	if s := strings.TrimSpace(summary); s != "" {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(summaryHeader)
		system.WriteString("\n")
		system.WriteString(s)
	}

	msgs := make([]providers.Message, 0, len(window)+1)
	for _, turn := range window {
		role := providers.RoleUser
		if turn.Role == sessions.RoleAssistant {
			role = providers.RoleAssistant
		}
		msgs = append(msgs, providers.Message{Role: role, Text: turn.Text})
	}
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Text: derived})
	return providers.Prompt{System: system.String(), Messages: msgs}
}
