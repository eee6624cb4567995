// Package safety classifies a consultation question before anything is
// created or dispatched.
//
// Rule sets are evaluated in order and the first match wins. Each set has:
//   - exact keywords, matched against the input after stripping the
//     characters people insert to dodge filters (spaces, dots, asterisks,
//     bullets, dashes, underscores)
//   - regex patterns, matched against the lowercased but otherwise
//     untouched text
//
// Classify is pure: no I/O, no state, same answer for the same input.
package safety

import (
	"regexp"
	"strings"
	"unicode"
)

type Category string

const (
	CategorySelfHarm  Category = "self_harm"
	CategoryEmergency Category = "emergency"
)

// Verdict is the result of classifying one question.
type Verdict struct {
	Blocked  bool     `json:"blocked"`
	Category Category `json:"type,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// RuleSet is one category's detection rules and the fixed message returned
// when it matches.
type RuleSet struct {
	Category Category
	Keywords []string
	Patterns []*regexp.Regexp
	Message  string
}

// Gate evaluates rule sets in order.
type Gate struct {
	sets []compiledSet
}

type compiledSet struct {
	RuleSet
	keywords []string // normalized
}

// NewGate builds a gate from rule sets, evaluated in the order given.
func NewGate(sets ...RuleSet) *Gate {
	g := &Gate{sets: make([]compiledSet, 0, len(sets))}
	for _, s := range sets {
		cs := compiledSet{RuleSet: s}
		for _, kw := range s.Keywords {
			if n := normalize(kw); n != "" {
				cs.keywords = append(cs.keywords, n)
			}
		}
		g.sets = append(g.sets, cs)
	}
	return g
}

// DefaultGate returns the built-in gate: self-harm first, then emergency.
func DefaultGate() *Gate {
	return NewGate(SelfHarmRules(), EmergencyRules())
}

// Classify returns the first matching rule set's verdict, or a safe verdict.
func (g *Gate) Classify(text string) Verdict {
	stripped := normalize(text)
	lower := strings.ToLower(text)

	for _, s := range g.sets {
		if s.matches(stripped, lower) {
			return Verdict{Blocked: true, Category: s.Category, Message: s.Message}
		}
	}
	return Verdict{}
}

func (s compiledSet) matches(stripped, lower string) bool {
	for _, kw := range s.keywords {
		if strings.Contains(stripped, kw) {
			return true
		}
	}
	for _, re := range s.Patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// normalize lowercases text and drops evasion characters.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if isEvasionRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEvasionRune(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '.', '。', '*', '•', '·', '●', '-', '–', '—', '_', '＿', '－':
		return true
	}
	return false
}
