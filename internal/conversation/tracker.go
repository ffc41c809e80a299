package conversation

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/sessions"
)

const (
	// DefaultWindowSize is the number of recent turns replayed verbatim.
	DefaultWindowSize = 8
	// DefaultScanDepth is the number of recent turns scanned for entities.
	DefaultScanDepth = 4
)

// Substitution records one resolved pronoun.
type Substitution struct {
	Pronoun string
	Entity  sessions.Entity
	// Offset is the byte offset of the pronoun in the incoming text.
	Offset int
}

// Correction is a detected user correction.
type Correction struct {
	Replacement string
	Pattern     string
}

// Analysis is the result of analysing an incoming user turn. Derived is a
// copy of the text with resolved pronouns substituted; the original text is
// never modified.
type Analysis struct {
	Derived    string
	Resolved   []Substitution
	Unresolved []string
	Ambiguous  bool
	Correction *Correction
	Entities   []sessions.Entity
}

// Tracker maintains the window and performs reference analysis. It holds
// no per-session state and is safe for concurrent use.
type Tracker struct {
	windowSize int
	scanDepth  int
	patterns   Patterns
	pronounRE  *regexp.Regexp
	system     string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindowSize sets N, the number of turns kept verbatim.
func WithWindowSize(n int) Option {
	return func(t *Tracker) { t.windowSize = n }
}

// WithScanDepth sets K, the number of turns scanned for entities.
func WithScanDepth(k int) Option {
	return func(t *Tracker) { t.scanDepth = k }
}

// WithPatterns replaces the matching table.
func WithPatterns(p Patterns) Option {
	return func(t *Tracker) { t.patterns = p }
}

// WithSystemPrompt sets the system prompt used by BuildPrompt.
func WithSystemPrompt(s string) Option {
	return func(t *Tracker) { t.system = s }
}

// New returns a Tracker. Invalid sizes or patterns are Misconfigured.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		windowSize: DefaultWindowSize,
		scanDepth:  DefaultScanDepth,
		patterns:   DefaultPatterns(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.windowSize < 1 {
		return nil, errkind.Newf(errkind.Misconfigured, "conversation.new", "window size must be at least 1, got %d", t.windowSize)
	}
	if t.scanDepth < 1 || t.scanDepth > t.windowSize {
		return nil, errkind.Newf(errkind.Misconfigured, "conversation.new", "scan depth must be in [1, %d], got %d", t.windowSize, t.scanDepth)
	}
	if err := t.patterns.Validate(); err != nil {
		return nil, errkind.New(errkind.Misconfigured, "conversation.new", err)
	}
	t.pronounRE = compilePronouns(t.patterns.Pronouns)
	return t, nil
}

// WindowSize returns N.
func (t *Tracker) WindowSize() int { return t.windowSize }

func compilePronouns(words []string) *regexp.Regexp {
	if len(words) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(w)))
	}
	// Longest first so alternation never stops at a prefix.
	sort.Slice(quoted, func(i, j int) bool {
		if len(quoted[i]) != len(quoted[j]) {
			return len(quoted[i]) > len(quoted[j])
		}
		return quoted[i] < quoted[j]
	})
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Window returns a copy of the last N turns at or after cursor.
func (t *Tracker) Window(turns []sessions.Turn, cursor int) []sessions.Turn {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(turns) {
		return nil
	}
	start := len(turns) - t.windowSize
	if start < cursor {
		start = cursor
	}
	out := make([]sessions.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

type span struct {
	start, end int
	entity     sessions.Entity
}

// ExtractEntities returns the entities in text in order of appearance. A
// value is reported once, at its first occurrence; overlapping matches keep
// the earliest, longest one.
func (t *Tracker) ExtractEntities(text string) []sessions.Entity {
	spans := t.extract(text)
	out := make([]sessions.Entity, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.entity)
	}
	return out
}

func (t *Tracker) extract(text string) []span {
	var all []span
	for _, ep := range t.patterns.Entities {
		for _, loc := range ep.Pattern.FindAllStringSubmatchIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			for g := 1; g*2+1 < len(loc); g++ {
				if loc[g*2] >= 0 && loc[g*2+1] > loc[g*2] {
					value = text[loc[g*2]:loc[g*2+1]]
					break
				}
			}
			value = strings.TrimRight(strings.TrimSpace(value), ".,;:")
			if value == "" {
				continue
			}
			all = append(all, span{start: loc[0], end: loc[1], entity: sessions.Entity{Value: value, Category: ep.Category}})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})

	var out []span
	seen := make(map[string]struct{})
	lastEnd := 0
	for _, s := range all {
		if s.start < lastEnd {
			continue
		}
		lastEnd = s.end
		if _, dup := seen[s.entity.Value]; dup {
			continue
		}
		seen[s.entity.Value] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Annotate sets turn entities if they were never set. It reports whether the
// turn changed.
func (t *Tracker) Annotate(turn *sessions.Turn) bool {
	if turn.EntitiesSet {
		return false
	}
	return turn.SetEntities(t.ExtractEntities(turn.Text))
}

// Analyze inspects incoming against window. Correction detection runs first;
// a correction is never reported as ambiguous. Analyze is deterministic and
// does not modify window.
func (t *Tracker) Analyze(window []sessions.Turn, incoming string) Analysis {
	a := Analysis{Derived: incoming, Correction: t.DetectCorrection(incoming)}

	own := t.extract(incoming)
	for _, s := range own {
		a.Entities = append(a.Entities, s.entity)
	}
	if t.pronounRE == nil {
		return a
	}

	history := t.candidates(window)
	type hit struct {
		start, end int
		sub        *Substitution
	}
	var hits []hit
	for _, loc := range t.pronounRE.FindAllStringIndex(incoming, -1) {
		if !standalone(incoming, loc[0], loc[1]) || insideSpan(own, loc[0]) {
			continue
		}
		pronoun := incoming[loc[0]:loc[1]]
		target, ok := mostRecent(own, history, loc[0], func(category string) bool {
			return t.patterns.accepts(pronoun, category)
		})
		if !ok {
			a.Unresolved = append(a.Unresolved, pronoun)
			continue
		}
		sub := Substitution{Pronoun: pronoun, Entity: target, Offset: loc[0]}
		a.Resolved = append(a.Resolved, sub)
		hits = append(hits, hit{start: loc[0], end: loc[1], sub: &sub})
	}

	if len(hits) > 0 {
		var b strings.Builder
		prev := 0
		for _, h := range hits {
			b.WriteString(incoming[prev:h.start])
			b.WriteString(h.sub.Entity.Value)
			prev = h.end
		}
		b.WriteString(incoming[prev:])
		a.Derived = b.String()
	}
	a.Ambiguous = len(a.Unresolved) > 0 && a.Correction == nil
	return a
}

// candidates lists entities from the last K window turns, oldest first.
func (t *Tracker) candidates(window []sessions.Turn) []sessions.Entity {
	start := len(window) - t.scanDepth
	if start < 0 {
		start = 0
	}
	var out []sessions.Entity
	for _, turn := range window[start:] {
		if turn.EntitiesSet {
			out = append(out, turn.Entities...)
			continue
		}
		out = append(out, t.ExtractEntities(turn.Text)...)
	}
	return out
}

// mostRecent returns the latest entity of an accepted category, looking at
// the incoming text before the pronoun first and then the history.
func mostRecent(own []span, history []sessions.Entity, before int, accept func(string) bool) (sessions.Entity, bool) {
	for i := len(own) - 1; i >= 0; i-- {
		if own[i].end <= before && accept(own[i].entity.Category) {
			return own[i].entity, true
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if accept(history[i].Category) {
			return history[i], true
		}
	}
	return sessions.Entity{}, false
}

func insideSpan(spans []span, pos int) bool {
	for _, s := range spans {
		if pos >= s.start && pos < s.end {
			return true
		}
	}
	return false
}

// standalone rejects pronouns glued to a larger token, such as "it's",
// "it.txt" or "that/path".
func standalone(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isJoiner(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if r == '\'' || r == '’' || r == '/' || r == '-' || r == '_' || r == '@' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		if r == '.' && end+size < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end+size:])
			if unicode.IsLetter(next) || unicode.IsDigit(next) {
				return false
			}
		}
	}
	return true
}

func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '.', '/', '-', '_', '@', '~':
		return true
	}
	return false
}

// DetectCorrection returns the first correction pattern that yields a
// non-empty replacement, or nil.
func (t *Tracker) DetectCorrection(text string) *Correction {
	for _, re := range t.patterns.Corrections {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		replacement := t.cleanReplacement(m[re.SubexpIndex("replacement")])
		if replacement == "" {
			continue
		}
		return &Correction{Replacement: replacement, Pattern: re.String()}
	}
	return nil
}

func (t *Tracker) cleanReplacement(raw string) string {
	s := strings.TrimSpace(raw)
	for changed := true; changed; {
		changed = false
		for _, f := range t.patterns.Fillers {
			if len(s) > len(f) && strings.EqualFold(s[:len(f)], f) && s[len(f)] == ' ' {
				s = strings.TrimSpace(s[len(f):])
				changed = true
				break
			}
		}
	}
	cut := len(s)
	for _, stop := range t.patterns.Stops {
		if i := indexFold(s, stop); i >= 0 && i < cut {
			cut = i
		}
	}
	s = s[:cut]
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), ".\"'`“”"))
}

func indexFold(s, sub string) int {
	if sub == "" {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}
