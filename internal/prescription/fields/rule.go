// Package fields recovers patient, doctor and visit metadata from normalized
// prescription text with prioritized pattern rules.
package fields

import (
	"regexp"

	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// Rule is one candidate pattern for a field. Pattern is matched against the
// folded text (lowercase, no diacritics); the capture groups handed to Parse
// are sliced from the original text so accents survive.
type Rule[T any] struct {
	Name    string
	Pattern *regexp.Regexp
	// Parse converts the capture groups into a value and reports whether the
	// value is structurally valid. groups[0] is the whole match.
	Parse func(groups []string) (T, bool)
}

// Apply returns the first valid value produced by any match of the rule.
// rejected counts matches Parse refused.
func (r Rule[T]) Apply(original []rune, folded string) (value T, ok bool, rejected int) {
	for _, loc := range r.Pattern.FindAllStringSubmatchIndex(folded, -1) {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] < 0 {
				continue
			}
			start := textnorm.ByteToRuneOffset(folded, loc[2*i])
			end := textnorm.ByteToRuneOffset(folded, loc[2*i+1])
			groups[i] = string(original[start:end])
		}
		if v, valid := r.Parse(groups); valid {
			return v, true, rejected
		}
		rejected++
	}
	return value, false, rejected
}

// RuleSet is the ordered rule list for one field, most specific first.
type RuleSet[T any] struct {
	Field string
	Rules []Rule[T]
}

// Result describes the outcome of evaluating a RuleSet.
type Result[T any] struct {
	Value T
	Found bool
	// Rule is the name of the winning rule.
	Rule string
	// Line is the index of the line that matched in the per-line pass, or -1
	// when the full-text pass succeeded.
	Line int
	// Rejected counts matches that failed validation.
	Rejected int
}

// Ambiguous reports whether candidates existed but none was accepted.
func (r Result[T]) Ambiguous() bool {
	return !r.Found && r.Rejected > 0
}

// Prepend returns a copy of rs with rules evaluated before the existing ones.
func (rs RuleSet[T]) Prepend(rules ...Rule[T]) RuleSet[T] {
	out := make([]Rule[T], 0, len(rules)+len(rs.Rules))
	out = append(out, rules...)
	out = append(out, rs.Rules...)
	return RuleSet[T]{Field: rs.Field, Rules: out}
}

// Find evaluates the rules against the whole document first and, when no
// rule yields a valid value, against each physical line in order.
func (rs RuleSet[T]) Find(doc *Document) Result[T] {
	res := Result[T]{Line: -1}
	for _, r := range rs.Rules {
		v, ok, rejected := r.Apply(doc.runes, doc.folded)
		res.Rejected += rejected
		if ok {
			res.Value, res.Found, res.Rule = v, true, r.Name
			return res
		}
	}
	for i, line := range doc.lines {
		for _, r := range rs.Rules {
			v, ok, rejected := r.Apply(line.runes, line.folded)
			res.Rejected += rejected
			if ok {
				res.Value, res.Found, res.Rule, res.Line = v, true, r.Name, i
				return res
			}
		}
	}
	return res
}

type docLine struct {
	runes  []rune
	folded string
}

// Document is normalized text prepared for rule evaluation.
type Document struct {
	runes  []rune
	folded string
	lines  []docLine
}

// NewDocument prepares text for matching.
func NewDocument(text string) *Document {
	doc := &Document{
		runes:  []rune(text),
		folded: textnorm.Fold(text),
	}
	for _, l := range textnorm.Lines(text) {
		doc.lines = append(doc.lines, docLine{runes: []rune(l), folded: textnorm.Fold(l)})
	}
	return doc
}
