package safety

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Rule names reported for inputs that never reach the rule tables.
const (
	RuleEmpty        = "empty"
	RuleUnparseable  = "unparseable"
	RuleUnrecognized = "unrecognized"
	RuleSudo         = "sudo"
)

// Decision is the result of classifying one action request.
type Decision struct {
	Tier    Tier   `json:"tier"`
	Rule    string `json:"rule"`
	Segment string `json:"segment,omitempty"`
}

// Classifier applies a rule table to action text. It is safe for concurrent
// use.
type Classifier struct {
	table Table
}

// New returns a classifier over table.
func New(table Table) *Classifier {
	return &Classifier{table: table}
}

var defaultClassifier = New(DefaultTable())

// Classify returns the tier for text using the built-in rules.
func Classify(text string) Tier {
	return defaultClassifier.Classify(text)
}

// Classify returns only the tier for text.
func (c *Classifier) Classify(text string) Tier {
	return c.Decide(text).Tier
}

var (
	discardedRedirect = regexp.MustCompile(`\d?>>?\s*/dev/null|\d?>&\d`)
	whitespaceRun     = regexp.MustCompile(`[ \t]+`)
	commandPrefix     = regexp.MustCompile(`^(?:(?:env|nohup|time|command|builtin|nice)\s+(?:-\S+\s+)*|\w+=\S*\s+)+`)
	sudoPrefix        = regexp.MustCompile(`^sudo\s+(?:-\S+\s+)*`)
)

// Decide classifies text. Deny rules are checked against the whole input
// first, then the input is split into command segments outside quotes and
// the strictest segment decides.
func (c *Classifier) Decide(text string) Decision {
	if strings.TrimSpace(text) == "" {
		return Decision{Tier: Confirm, Rule: RuleEmpty}
	}
	if hasControlChars(text) {
		return Decision{Tier: Confirm, Rule: RuleUnparseable}
	}

	normalized := normalize(text)
	unquoted := strings.NewReplacer(`"`, "", `'`, "", `\`, "").Replace(normalized)
	for _, candidate := range []string{normalized, unquoted} {
		if r, ok := firstMatch(c.table.Deny, candidate); ok {
			return Decision{Tier: Deny, Rule: r.Name, Segment: candidate}
		}
	}

	segments, ok := splitSegments(normalized)
	if !ok {
		return Decision{Tier: Confirm, Rule: RuleUnparseable}
	}

	best := Decision{Tier: Allow}
	for _, seg := range segments {
		d := c.decideSegment(seg)
		if d.Tier.rank() > best.Tier.rank() || best.Rule == "" {
			best = d
		}
		if best.Tier == Deny {
			break
		}
	}
	if best.Rule == "" {
		return Decision{Tier: Confirm, Rule: RuleUnrecognized}
	}
	return best
}

func (c *Classifier) decideSegment(seg string) Decision {
	seg = commandPrefix.ReplaceAllString(seg, "")
	elevated := false
	if loc := sudoPrefix.FindStringIndex(seg); loc != nil {
		elevated = true
		seg = commandPrefix.ReplaceAllString(seg[loc[1]:], "")
	}

	d := Decision{Tier: Confirm, Rule: RuleUnrecognized, Segment: seg}
	switch {
	case matchInto(c.table.Deny, seg, &d, Deny):
	case matchInto(c.table.Confirm, seg, &d, Confirm):
	case matchInto(c.table.Allow, seg, &d, Allow):
	}
	if elevated && d.Tier == Allow {
		d.Tier, d.Rule = Confirm, RuleSudo
	}
	return d
}

func matchInto(rules []Rule, seg string, d *Decision, tier Tier) bool {
	r, ok := firstMatch(rules, seg)
	if ok {
		d.Tier, d.Rule = tier, r.Name
	}
	return ok
}

func firstMatch(rules []Rule, s string) (Rule, bool) {
	for _, r := range rules {
		if r.Pattern != nil && r.Pattern.MatchString(s) {
			return r, true
		}
	}
	return Rule{}, false
}

// normalize folds compatibility forms (fullwidth letters, ligatures),
// lowercases, drops output discards and collapses blanks. Newlines become
// command separators.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = discardedRedirect.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return true
		}
	}
	return false
}

// splitSegments splits on ; & && || | and newlines that are not inside
// quotes. ok is false when a quote is left open. An apostrophe between two
// letters ("don't") is not a quote.
func splitSegments(s string) (segments []string, ok bool) {
	var (
		current strings.Builder
		quote   rune
		escaped bool
	)
	flush := func() {
		if seg := strings.TrimSpace(current.String()); seg != "" {
			segments = append(segments, seg)
		}
		current.Reset()
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' && quote != '\'' {
			current.WriteRune(r)
			escaped = true
			continue
		}
		if quote != 0 {
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '`':
			quote = r
			current.WriteRune(r)
		case '\'':
			if i > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i-1]) && unicode.IsLetter(runes[i+1]) {
				current.WriteRune(r)
				continue
			}
			quote = r
			current.WriteRune(r)
		case ';', '\n':
			flush()
		case '|', '&':
			// ">&" and "&>" belong to a redirect, not a separator.
			if r == '&' && i > 0 && (runes[i-1] == '>' || (i+1 < len(runes) && runes[i+1] == '>')) {
				current.WriteRune(r)
				continue
			}
			flush()
			if i+1 < len(runes) && runes[i+1] == r {
				i++
			}
		default:
			current.WriteRune(r)
		}
	}
	if quote != 0 || escaped {
		return nil, false
	}
	flush()
	return segments, true
}

// Refusal is the user-visible reply to a denied action. It names no rule.
func Refusal() string {
	return "I can't do that. This action isn't permitted here."
}

// ConfirmationPrompt is the reply asking the caller to confirm an action.
func ConfirmationPrompt() string {
	return "This action changes things. Confirm and resend the request if you want me to go ahead."
}
