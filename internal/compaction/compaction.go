// Package compaction folds archived conversation turns into a bounded
// summary. Concat is the deterministic default; ModelSummarizer asks a model
// provider for the digest.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/parley/internal/providers"
	"github.com/haasonsaas/parley/internal/sessions"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// DefaultMaxBytes bounds a summary when no limit is configured.
	DefaultMaxBytes = 8 * 1024

	// DefaultMaxChunkTokens bounds the turns sent in one summarization call.
	DefaultMaxChunkTokens = 6000

	// TruncationMarker prefixes a summary whose oldest content was dropped.
	TruncationMarker = "[earlier conversation truncated]\n"

	// DefaultInstructions is the system prompt for ModelSummarizer.
	DefaultInstructions = "Summarize the conversation below for a future assistant. " +
		"Keep file names, decisions, corrections, and open questions. " +
		"Merge with the previous summary when one is given. Reply with the summary only."
)

// ErrEmptySummary is returned when a summarizer produces no text.
var ErrEmptySummary = errors.New("compaction: empty summary")

// Compactor folds turns into the previous summary.
type Compactor interface {
	Summarize(ctx context.Context, prev string, turns []sessions.Turn) (string, error)
}

// EstimateTokens estimates token count using ~4 characters per token.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// FormatTurns renders turns one per block as "[role]: text".
func FormatTurns(turns []sessions.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, strings.TrimSpace(t.Text))
	}
	return sb.String()
}

// ChunkTurns splits turns into chunks of at most maxTokens estimated tokens.
// A single oversized turn gets its own chunk.
func ChunkTurns(turns []sessions.Turn, maxTokens int) [][]sessions.Turn {
	if len(turns) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]sessions.Turn{turns}
	}

	var result [][]sessions.Turn
	var current []sessions.Turn
	currentTokens := 0
	for _, t := range turns {
		n := EstimateTokens(t.Text)
		if n > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current, currentTokens = nil, 0
			}
			result = append(result, []sessions.Turn{t})
			continue
		}
		if currentTokens+n > maxTokens && len(current) > 0 {
			result = append(result, current)
			current, currentTokens = nil, 0
		}
		current = append(current, t)
		currentTokens += n
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// Truncate keeps the newest maxBytes of s, prefixed with TruncationMarker
// when anything was dropped. The cut never splits a UTF-8 sequence.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	keep := maxBytes - len(TruncationMarker)
	prefix := TruncationMarker
	if keep <= 0 {
		keep, prefix = maxBytes, ""
	}
	start := len(s) - keep
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return prefix + s[start:]
}

// Concat appends formatted turns to the previous summary and truncates from
// the front. It is deterministic and never calls out.
type Concat struct {
	MaxBytes int
}

func (c Concat) Summarize(ctx context.Context, prev string, turns []sessions.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return prev, nil
	}
	var sb strings.Builder
	if prev != "" {
		sb.WriteString(strings.TrimRight(prev, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString(FormatTurns(turns))

	limit := c.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	return Truncate(sb.String(), limit), nil
}

// ModelSummarizer summarizes through a model client, one chunk at a time,
// carrying the running summary forward.
type ModelSummarizer struct {
	Client         providers.Client
	Instructions   string
	MaxChunkTokens int
	MaxBytes       int
}

func (m *ModelSummarizer) Summarize(ctx context.Context, prev string, turns []sessions.Turn) (string, error) {
	if m.Client == nil {
		return "", errors.New("compaction: summarizer client is nil")
	}
	if len(turns) == 0 {
		return prev, nil
	}
	maxChunk := m.MaxChunkTokens
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkTokens
	}
	instructions := m.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}

	summary := prev
	for i, chunk := range ChunkTurns(turns, maxChunk) {
		var body strings.Builder
		if summary != "" {
			body.WriteString("Previous summary:\n")
			body.WriteString(summary)
			body.WriteString("\n\n")
		}
		body.WriteString("Conversation:\n")
		body.WriteString(FormatTurns(chunk))

		out, err := m.Client.Complete(ctx, providers.Prompt{
			System:   instructions,
			Messages: []providers.Message{{Role: providers.RoleUser, Text: body.String()}},
		})
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, ErrEmptySummary)
		}
		summary = out
	}

	limit := m.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	return Truncate(summary, limit), nil
}
