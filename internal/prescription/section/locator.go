package section

import (
	"regexp"

	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// Range is the half-open line range [Start, End) holding the medicine list.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
	// Found is false when neither a heading nor a numbered medicine line was
	// seen and the whole text is scanned.
	Found bool `json:"found"`
	// Heading is set when lines[Start] is the heading line; only the runes
	// from HeadingEnd onwards belong to the section.
	Heading    bool `json:"heading"`
	HeadingEnd int  `json:"heading_end,omitempty"`
}

// Locator finds the medicine section boundaries.
type Locator struct {
	startTiers []*regexp.Regexp
	stops      []*regexp.Regexp
}

// LocatorOption configures a Locator.
type LocatorOption func(*Locator)

// WithStartMarkers adds a heading tier evaluated before the built-in ones.
func WithStartMarkers(re *regexp.Regexp) LocatorOption {
	return func(l *Locator) {
		l.startTiers = append([]*regexp.Regexp{re}, l.startTiers...)
	}
}

// WithStopMarkers adds stop patterns.
func WithStopMarkers(res ...*regexp.Regexp) LocatorOption {
	return func(l *Locator) {
		l.stops = append(l.stops, res...)
	}
}

// NewLocator builds a Locator with the default markers.
func NewLocator(opts ...LocatorOption) *Locator {
	l := &Locator{
		startTiers: append([]*regexp.Regexp(nil), startTiers...),
		stops:      append([]*regexp.Regexp(nil), stopPatterns...),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the section range for lines of normalized text.
func (l *Locator) Locate(lines []string) Range {
	folded := make([]string, len(lines))
	for i, line := range lines {
		folded[i] = textnorm.Fold(line)
	}

	r := Range{Start: 0, End: len(lines)}
	if start, end, ok := l.findHeading(folded); ok {
		r.Start, r.Found, r.Heading = start, true, true
		r.HeadingEnd = textnorm.ByteToRuneOffset(folded[start], end)
	} else if start, ok := firstNumberedMedicine(folded); ok {
		r.Start, r.Found = start, true
	}

	for i := r.Start + 1; i < len(lines); i++ {
		if l.IsStop(folded[i]) {
			r.End = i
			break
		}
	}
	return r
}

func (l *Locator) findHeading(folded []string) (line, end int, ok bool) {
	for _, tier := range l.startTiers {
		for i, f := range folded {
			if loc := tier.FindStringIndex(f); loc != nil {
				return i, loc[1], true
			}
		}
	}
	return 0, 0, false
}

func firstNumberedMedicine(folded []string) (int, bool) {
	for i, f := range folded {
		if numberedEntry.MatchString(f) && dosageToken.MatchString(f) {
			return i, true
		}
	}
	return 0, false
}

// IsStop reports whether a folded line ends the medicine section. Lines shaped
// like dosing schedules never do, even when they share a stop keyword.
func (l *Locator) IsStop(folded string) bool {
	if IsDosingSchedule(folded) {
		return false
	}
	for _, re := range l.stops {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}

// IsDosingSchedule reports whether a folded line pairs a schedule keyword
// with a quantity and unit, as in "morning: 1 tablet".
func IsDosingSchedule(folded string) bool {
	return scheduleShape.MatchString(folded)
}
