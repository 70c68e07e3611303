package section

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// DefaultNameFixes maps names that OCR commonly truncates at the front to
// their full spelling.
func DefaultNameFixes() map[string]string {
	return map[string]string{
		"moxicilin":  "Amoxicilin",
		"moxicillin": "Amoxicillin",
		"aracetamol": "Paracetamol",
		"buprofen":   "Ibuprofen",
		"efuroxim":   "Cefuroxim",
		"elecoxib":   "Celecoxib",
		"toricoxib":  "Etoricoxib",
		"ugmentin":   "Augmentin",
		"iclofenac":  "Diclofenac",
		"eloxicam":   "Meloxicam",
		"mlodipin":   "Amlodipin",
		"etformin":   "Metformin",
		"meprazol":   "Omeprazol",
	}
}

type nameFix struct {
	pattern *regexp.Regexp
	full    string
}

// Segmenter turns the lines of a section into medicine candidates.
type Segmenter struct {
	fixes []nameFix
}

// SegmenterOption configures a Segmenter.
type SegmenterOption func(*Segmenter)

// WithNameFixes adds truncated-prefix corrections. Keys are matched as whole
// words, case-insensitively.
func WithNameFixes(fixes map[string]string) SegmenterOption {
	return func(s *Segmenter) {
		s.fixes = append(s.fixes, compileFixes(fixes)...)
	}
}

// NewSegmenter builds a Segmenter with the default name fixes.
func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{fixes: compileFixes(DefaultNameFixes())}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func compileFixes(fixes map[string]string) []nameFix {
	keys := make([]string, 0, len(fixes))
	for k := range fixes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]nameFix, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" || fixes[k] == "" {
			continue
		}
		out = append(out, nameFix{
			pattern: regexp.MustCompile(`(?i)(^|[^\p{L}])` + regexp.QuoteMeta(strings.TrimSpace(k)) + `($|[^\p{L}])`),
			full:    fixes[k],
		})
	}
	return out
}

type openEntry struct {
	cand prescription.LineCandidate
	// last is the folded text of the most recently merged line
	last  string
	parts []string
}

func (o *openEntry) merge(index int, line, folded string) {
	o.parts = append(o.parts, line)
	o.cand.MergedFrom = append(o.cand.MergedFrom, index)
	o.last = folded
}

func (o *openEntry) text() string {
	return strings.Join(o.parts, " ")
}

// Segment returns one candidate per medicine found in lines[r.Start:r.End].
// Candidates never include lines outside the range.
func (s *Segmenter) Segment(lines []string, r Range) []prescription.LineCandidate {
	var (
		out     []prescription.LineCandidate
		open    *openEntry
		lastSeq int
	)

	closeOpen := func() {
		if open == nil {
			return
		}
		c := open.cand
		c.RawText = s.fix(open.text())
		if len(c.MergedFrom) == 1 {
			c.MergedFrom = nil
		}
		out = append(out, c)
		open = nil
	}

	start := max(r.Start, 0)
	end := min(r.End, len(lines))
	for i := start; i < end; i++ {
		line := lines[i]
		if r.Heading && i == r.Start {
			line = textnorm.RuneSlice(line, r.HeadingEnd, utf8.RuneCountInString(line))
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		folded := textnorm.Fold(line)

		if rejectLine(folded) {
			closeOpen()
			continue
		}

		if numberedEntry.MatchString(folded) {
			closeOpen()
			for _, part := range splitNumbered(line, folded) {
				closeOpen()
				seq := part.seq
				if seq == 0 {
					seq = lastSeq + 1
				}
				lastSeq = seq
				open = &openEntry{cand: prescription.LineCandidate{LineIndex: i, Sequence: seq}}
				open.merge(i, part.text, textnorm.Fold(part.text))
			}
			continue
		}

		if open != nil {
			if isInstruction(folded) {
				closeOpen()
				continue
			}
			if continues(open, line, folded) {
				open.merge(i, line, folded)
				continue
			}
			closeOpen()
		}

		if isInstruction(folded) {
			continue
		}
		if MedicineLike(folded) {
			lastSeq++
			open = &openEntry{cand: prescription.LineCandidate{LineIndex: i, Sequence: lastSeq, Inferred: true}}
			open.merge(i, line, folded)
		}
	}
	closeOpen()
	return out
}

func (s *Segmenter) fix(text string) string {
	for _, f := range s.fixes {
		text = f.pattern.ReplaceAllString(text, "${1}"+f.full+"${2}")
	}
	return text
}

type numberedPart struct {
	seq  int
	text string
}

// splitNumbered cuts a line that starts with a numbering marker at each later
// marker carrying the next sequence number.
func splitNumbered(line, folded string) []numberedPart {
	m := numberedEntry.FindStringSubmatch(folded)
	seq, _ := strconv.Atoi(m[1])

	var (
		parts []numberedPart
		from  int
	)
	for _, loc := range nextNumber.FindAllStringSubmatchIndex(folded, -1) {
		if loc[2] == 0 {
			continue
		}
		n, _ := strconv.Atoi(folded[loc[2]:loc[3]])
		if n != seq+1 {
			continue
		}
		cut := textnorm.ByteToRuneOffset(folded, loc[2])
		parts = append(parts, numberedPart{seq: seq, text: strings.TrimSpace(textnorm.RuneSlice(line, from, cut))})
		from, seq = cut, n
	}
	parts = append(parts, numberedPart{seq: seq, text: strings.TrimSpace(textnorm.RuneSlice(line, from, utf8.RuneCountInString(line)))})
	return parts
}

// continues reports whether an un-numbered line carries on the open entry.
func continues(open *openEntry, line, folded string) bool {
	prev := strings.TrimSpace(open.last)
	whole := textnorm.Fold(open.text())

	if strings.Count(whole, "(") > strings.Count(whole, ")") {
		return true
	}
	if strings.HasSuffix(prev, "+") || strings.HasSuffix(prev, "-") ||
		strings.HasSuffix(prev, ",") || strings.HasSuffix(prev, "&") ||
		strings.HasSuffix(prev, "/") || hasTrailingConjunction(prev) {
		return true
	}
	if unfinishedCompound(whole) {
		return true
	}
	if first, _ := utf8.DecodeRuneInString(line); unicode.IsLower(first) {
		return true
	}
	if dosageToken.MatchString(folded) {
		trimmed := strings.TrimLeft(folded, " ([")
		return (trimmed != "" && trimmed[0] >= '0' && trimmed[0] <= '9') || !dosageToken.MatchString(whole)
	}
	return false
}

var (
	trailingConjunction = regexp.MustCompile(`(?:^|[^\p{L}])(?:va|and|with|voi|acid|axit|natri|kali|calci|sodium|potassium|calcium|magnesi(?:um)?)$`)
	compoundTail        = regexp.MustCompile(`\+\s*([^+]*)$`)
)

func hasTrailingConjunction(prev string) bool {
	return trailingConjunction.MatchString(prev)
}

// unfinishedCompound reports a "+" compound whose last component has no
// strength yet, e.g. "amoxicilin + acid".
func unfinishedCompound(whole string) bool {
	m := compoundTail.FindStringSubmatch(whole)
	if m == nil {
		return false
	}
	return !dosageToken.MatchString(m[1]) && !strings.Contains(m[1], "(")
}

func rejectLine(folded string) bool {
	if phoneNumber.MatchString(folded) {
		return true
	}
	return diagnosisLine.MatchString(folded) && !dosageToken.MatchString(folded)
}

// isInstruction reports dosing, quantity and usage lines. They end an entry
// and are never merged into it.
func isInstruction(folded string) bool {
	if instructionStart.MatchString(folded) {
		return true
	}
	return IsDosingSchedule(folded) && !MedicineLike(folded)
}

// MedicineLike reports whether a folded line mentions a strength or a known
// drug-name fragment.
func MedicineLike(folded string) bool {
	return dosageToken.MatchString(folded) || drugFragment.MatchString(folded)
}
