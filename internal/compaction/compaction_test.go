package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/parley/internal/providers"
	"github.com/haasonsaas/parley/internal/sessions"
)

func mkTurns(texts ...string) []sessions.Turn {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]sessions.Turn, 0, len(texts))
	for i, text := range texts {
		role := sessions.RoleUser
		if i%2 == 1 {
			role = sessions.RoleAssistant
		}
		out = append(out, sessions.NewTurn(role, text, base.Add(time.Duration(i)*time.Second)))
	}
	return out
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestFormatTurns(t *testing.T) {
	got := FormatTurns(mkTurns("hello ", "hi there"))
	want := "[user]: hello\n[assistant]: hi there\n"
	if got != want {
		t.Errorf("FormatTurns() = %q, want %q", got, want)
	}
}

func TestChunkTurns(t *testing.T) {
	turns := mkTurns(strings.Repeat("a", 8), strings.Repeat("b", 8), strings.Repeat("c", 40), strings.Repeat("d", 4))
	chunks := ChunkTurns(turns, 4)

	var sizes []int
	for _, c := range chunks {
		sizes = append(sizes, len(c))
	}
	want := []int{2, 1, 1}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk sizes = %v, want %v", sizes, want)
		}
	}

	if got := ChunkTurns(nil, 4); got != nil {
		t.Errorf("ChunkTurns(nil) = %v, want nil", got)
	}
	if got := ChunkTurns(turns, 0); len(got) != 1 {
		t.Errorf("ChunkTurns(max=0) = %d chunks, want 1", len(got))
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}

	long := strings.Repeat("x", 200) + "TAIL"
	got := Truncate(long, 64)
	if len(got) > 64 {
		t.Errorf("len(Truncate()) = %d, want <= 64", len(got))
	}
	if !strings.HasPrefix(got, TruncationMarker) || !strings.HasSuffix(got, "TAIL") {
		t.Errorf("Truncate() = %q, want marker prefix and newest tail", got)
	}

	multi := strings.Repeat("é", 100)
	cut := Truncate(multi, 51)
	if !utf8.ValidString(cut) {
		t.Errorf("Truncate() split a UTF-8 sequence: %q", cut)
	}
}

func TestConcatDeterministicAndBounded(t *testing.T) {
	c := Concat{MaxBytes: 120}
	turns := mkTurns("first question about report.csv", "answer one", "second question", "answer two")

	a, err := c.Summarize(context.Background(), "earlier", turns)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	b, _ := c.Summarize(context.Background(), "earlier", turns)
	if a != b {
		t.Errorf("Summarize() not deterministic: %q vs %q", a, b)
	}
	if len(a) > 120 {
		t.Errorf("len(summary) = %d, want <= 120", len(a))
	}
	if !strings.HasSuffix(a, "[assistant]: answer two\n") {
		t.Errorf("summary lost newest turn: %q", a)
	}
}

func TestConcatKeepsPrevWithoutTurns(t *testing.T) {
	got, err := Concat{}.Summarize(context.Background(), "prev", nil)
	if err != nil || got != "prev" {
		t.Errorf("Summarize(no turns) = %q, %v", got, err)
	}
}

func TestConcatHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Concat{}).Summarize(ctx, "", mkTurns("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Summarize() error = %v, want Canceled", err)
	}
}

type fakeClient struct {
	replies []string
	err     error
	prompts []providers.Prompt
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, p providers.Prompt) (string, error) {
	f.prompts = append(f.prompts, p)
	if f.err != nil {
		return "", f.err
	}
	i := len(f.prompts) - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i], nil
}

func TestModelSummarizerCarriesSummaryAcrossChunks(t *testing.T) {
	client := &fakeClient{replies: []string{"summary one", "summary two"}}
	m := &ModelSummarizer{Client: client, MaxChunkTokens: 4}
	turns := mkTurns(strings.Repeat("a", 16), strings.Repeat("b", 16))

	got, err := m.Summarize(context.Background(), "seed", turns)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "summary two" {
		t.Errorf("Summarize() = %q, want summary two", got)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("calls = %d, want 2", len(client.prompts))
	}
	if !strings.Contains(client.prompts[0].LastUserText(), "seed") {
		t.Errorf("first prompt missing previous summary: %q", client.prompts[0].LastUserText())
	}
	if !strings.Contains(client.prompts[1].LastUserText(), "summary one") {
		t.Errorf("second prompt missing running summary: %q", client.prompts[1].LastUserText())
	}
	if client.prompts[0].System != DefaultInstructions {
		t.Errorf("System = %q", client.prompts[0].System)
	}
}

func TestModelSummarizerErrors(t *testing.T) {
	upstream := errors.New("upstream down")
	if _, err := (&ModelSummarizer{Client: &fakeClient{err: upstream}}).Summarize(context.Background(), "", mkTurns("x")); !errors.Is(err, upstream) {
		t.Errorf("Summarize() error = %v, want upstream error", err)
	}
	if _, err := (&ModelSummarizer{Client: &fakeClient{replies: []string{"  "}}}).Summarize(context.Background(), "", mkTurns("x")); !errors.Is(err, ErrEmptySummary) {
		t.Errorf("Summarize() error = %v, want ErrEmptySummary", err)
	}
	if _, err := (&ModelSummarizer{}).Summarize(context.Background(), "", mkTurns("x")); err == nil {
		t.Error("Summarize() with nil client should fail")
	}
}
