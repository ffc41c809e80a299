// Package conversation tracks the rolling conversation window, extracts
// referenceable entities, resolves pronouns against them, and detects user
// corrections.
package conversation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Entity categories produced by DefaultPatterns.
const (
	CategoryPath   = "path"
	CategoryQuoted = "quoted"
	CategoryTopic  = "topic"
)

// EntityPattern extracts one category of entity. The entity value is the
// first non-empty capture group, or the whole match when there is none.
type EntityPattern struct {
	Category string
	Pattern  *regexp.Regexp
}

// Patterns is the pluggable matching table used by a Tracker.
type Patterns struct {
	Entities []EntityPattern
	// Pronouns are matched case-insensitively as standalone words.
	Pronouns []string
	// PronounCategories limits the entity categories a pronoun may refer
	// to, keyed by lowercased pronoun. A pronoun with no entry matches
	// every category.
	PronounCategories map[string][]string
	// Corrections must each contain a named group "replacement".
	Corrections []*regexp.Regexp
	// Fillers are leading words dropped from a captured replacement.
	Fillers []string
	// Stops cut a captured replacement at the first occurrence.
	Stops []string
}

// DefaultPatterns returns the built-in table.
func DefaultPatterns() Patterns {
	return Patterns{
		Entities: []EntityPattern{
			{Category: CategoryQuoted, Pattern: regexp.MustCompile("\"([^\"\\n]{1,120})\"|`([^`\\n]{1,120})`")},
			{Category: CategoryPath, Pattern: regexp.MustCompile(`(?:~|\.{1,2})?/?(?:[\w.-]+/)+[\w.-]+|\b[\w-]+(?:\.[\w-]+)*\.[A-Za-z][A-Za-z0-9]{0,7}\b`)},
			{Category: CategoryTopic, Pattern: regexp.MustCompile(`(?i)\b(?:python|javascript|typescript|golang|rust|java|ruby|kotlin|swift|docker|kubernetes|postgres(?:ql)?|mysql|sqlite|redis|terraform|react)\b`)},
		},
		Pronouns: []string{"it", "this", "that", "they", "them"},
		Corrections: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*instead\s+of\s+[^,;]+[,;]\s*(?P<replacement>.+)$`),
			regexp.MustCompile(`(?i)^\s*(?:(?:no|oh|sorry|wait)[,.!]?\s+)*actually[,:]?\s+(?P<replacement>.+)$`),
			regexp.MustCompile(`(?i)\bi\s+meant\s+(?P<replacement>.+)$`),
			regexp.MustCompile(`(?i)^\s*(?:no[,.!]?\s+)?i\s+mean[,:]?\s+(?P<replacement>.+)$`),
			regexp.MustCompile(`(?i)^\s*correction\s*[,:]\s*(?P<replacement>.+)$`),
			regexp.MustCompile(`(?i)^\s*(?P<replacement>.+?)\s+instead(?:\s+of\s+.+?)?\s*[.!]?\s*$`),
		},
		Fillers: []string{"it's", "it’s", "it is", "use", "to", "make it", "switch to", "try"},
		Stops:   []string{",", ";", " not ", " rather", " instead", "!", "?"},
	}
}

// Validate checks that every correction pattern captures a replacement.
func (p Patterns) Validate() error {
	for i, re := range p.Corrections {
		if re == nil {
			return fmt.Errorf("correction pattern %d is nil", i)
		}
		if re.SubexpIndex("replacement") < 0 {
			return fmt.Errorf("correction pattern %q has no replacement group", re.String())
		}
	}
	for pronoun, cats := range p.PronounCategories {
		if len(cats) == 0 {
			return fmt.Errorf("pronoun %q has an empty category list", pronoun)
		}
	}
	for _, ep := range p.Entities {
		if ep.Pattern == nil || strings.TrimSpace(ep.Category) == "" {
			return fmt.Errorf("entity pattern needs a category and a regexp")
		}
	}
	return nil
}

// CompileEntityPatterns builds entity patterns from a category to expression
// map, as found in configuration. Categories are applied in sorted order.
func CompileEntityPatterns(exprs map[string]string) ([]EntityPattern, error) {
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]EntityPattern, 0, len(keys))
	for _, k := range keys {
		re, err := regexp.Compile(exprs[k])
		if err != nil {
			return nil, fmt.Errorf("entity pattern %s: %w", k, err)
		}
		out = append(out, EntityPattern{Category: k, Pattern: re})
	}
	return out, nil
}

// CompileCorrections compiles correction expressions.
func CompileCorrections(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("correction pattern: %w", err)
		}
		if re.SubexpIndex("replacement") < 0 {
			return nil, fmt.Errorf("correction pattern %q has no replacement group", expr)
		}
		out = append(out, re)
	}
	return out, nil
}

// accepts reports whether pronoun may refer to an entity of category.
func (p Patterns) accepts(pronoun, category string) bool {
	cats, ok := p.PronounCategories[strings.ToLower(pronoun)]
	if !ok {
		return true
	}
	for _, c := range cats {
		if c == category {
			return true
		}
	}
	return false
}
