// Package medname decomposes a medicine candidate into generic name, brand,
// strength and the ordered search terms used against the catalog.
package medname

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/section"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

const unit = `(?:mcg|µg|mg|ml|g|%|iu|ui)`

var (
	numbering = regexp.MustCompile(`^\s*\d{1,2}\s*[).:/-]\s*`)
	// strength, optionally compound: "500mg", "500/125mg", "200 mg + 5 mg"
	strength   = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*` + unit + `?(?:\s*[+/]\s*\d+(?:[.,]\d+)?\s*` + unit + `?)*\s*` + unit + `(?:[^\p{L}]|$)`)
	parenGroup = regexp.MustCompile(`\(([^()]*)\)`)
	// a dash or comma followed by a usage instruction ends the name part
	instructionTail = regexp.MustCompile(`(?:\s[-–]\s|,\s*|;\s*)(?:morning|noon|afternoon|evening|night|bedtime|sang|trua|chieu|toi|ngay|uong|moi lan|take|apply|dung|boi|nho|xit|sl|so luong|x\s*\d|\d+\s*(?:vien|tablets?|capsules?|goi|lan|times))(?:[^\p{L}]|$)`)
	formKeywords    = []struct {
		form prescription.DosageForm
		re   *regexp.Regexp
	}{
		{prescription.FormOphthalmic, regexp.MustCompile(`(?:^|[^\p{L}])(?:nho mat|eye drops?|ophthalmic|thuoc nho|collyre)(?:[^\p{L}]|$)`)},
		{prescription.FormInhaled, regexp.MustCompile(`(?:^|[^\p{L}])(?:xit hong|xit mui|inhaler|inhal\w*|hit|khi dung|nebuli\w*|hfa|evohaler)(?:[^\p{L}]|$)`)},
		{prescription.FormInjectable, regexp.MustCompile(`(?:^|[^\p{L}])(?:tiem|inj|injection|ong tiem|truyen|infusion|iv|im)(?:[^\p{L}]|$)`)},
		{prescription.FormSuppository, regexp.MustCompile(`(?:^|[^\p{L}])(?:dat hau mon|dat am dao|suppositor\w*|vien dat)(?:[^\p{L}]|$)`)},
		{prescription.FormTopical, regexp.MustCompile(`(?:^|[^\p{L}])(?:gel|kem boi|tuyp|cream|creme|ointment|thuoc mo|mo boi|boi|lotion|patch|mieng dan|emulgel|topical|ngoai da)(?:[^\p{L}]|$)`)},
		{prescription.FormOral, regexp.MustCompile(`(?:^|[^\p{L}])(?:vien|tablets?|tab|capsules?|caps?|nang|siro|syrup|suspension|uong|goi|sachets?|oral|sui)(?:[^\p{L}]|$)`)},
	}
)

// Parser decomposes medicine candidates.
type Parser struct {
	fixes map[string]string
}

// Option configures a Parser.
type Option func(*Parser)

// WithNameFixes adds truncated-prefix corrections applied to name tokens.
func WithNameFixes(fixes map[string]string) Option {
	return func(p *Parser) {
		for k, v := range fixes {
			p.fixes[textnorm.Key(k)] = v
		}
	}
}

// NewParser builds a Parser with the default name fixes.
func NewParser(opts ...Option) *Parser {
	p := &Parser{fixes: make(map[string]string)}
	WithNameFixes(section.DefaultNameFixes())(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts the generic name, brand and strength of a candidate.
func (p *Parser) Parse(c prescription.LineCandidate) prescription.MedicineEntry {
	entry := prescription.MedicineEntry{
		OriginalText: c.RawText,
		Candidate:    c,
	}

	body := numbering.ReplaceAllString(c.RawText, "")
	body = cutInstructions(body)

	if loc := strength.FindStringIndex(body); loc != nil {
		entry.Dosage = NormalizeDosage(body[loc[0]:loc[1]])
	}

	entry.BrandName = p.fixName(brandName(body))

	head := body
	if i := strings.Index(body, "("); i >= 0 {
		head = body[:i]
	}
	entry.GenericName = p.fixName(leadingName(head))
	if entry.GenericName == "" && entry.BrandName != "" {
		entry.GenericName = entry.BrandName
		entry.BrandName = ""
	}
	if strings.EqualFold(textnorm.Key(entry.BrandName), textnorm.Key(entry.GenericName)) {
		entry.BrandName = ""
	}

	for _, part := range strings.Split(head, "+") {
		if name := ingredientName(part); name != "" {
			entry.Ingredients = append(entry.Ingredients, p.fixName(name))
		}
	}
	if len(entry.Ingredients) == 0 && entry.GenericName != "" {
		entry.Ingredients = []string{entry.GenericName}
	}

	entry.Form = InferForm(c.RawText)
	return entry
}

// SearchTerms returns catalog search terms in priority order: brand with
// strength, brand, generic with strength, generic, then the cleaned text.
// Duplicates are dropped case-insensitively, keeping the first occurrence.
func SearchTerms(e prescription.MedicineEntry) []string {
	var terms []string
	if e.BrandName != "" {
		if e.Dosage != "" {
			terms = append(terms, e.BrandName+" "+e.Dosage)
		}
		terms = append(terms, e.BrandName)
	}
	if e.GenericName != "" {
		if e.Dosage != "" {
			terms = append(terms, e.GenericName+" "+e.Dosage)
		}
		terms = append(terms, e.GenericName)
	}
	terms = append(terms, CleanText(e.OriginalText))
	return Dedup(terms)
}

// Dedup removes empty and repeated terms, comparing by textnorm.Key.
func Dedup(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		k := textnorm.Key(t)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CleanText strips numbering, usage instructions and brackets from a raw
// medicine line.
func CleanText(raw string) string {
	s := numbering.ReplaceAllString(raw, "")
	s = cutInstructions(s)
	s = strings.NewReplacer("(", " ", ")", " ", "[", " ", "]", " ").Replace(s)
	return cleanName(s)
}

// NormalizeDosage removes spaces and lowercases units: "500 MG" -> "500mg".
func NormalizeDosage(s string) string {
	s = strings.TrimRightFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '%' })
	s = strings.Join(strings.Fields(s), "")
	return strings.ToLower(s)
}

// InferForm guesses the dosage form from keywords in the text.
func InferForm(text string) prescription.DosageForm {
	folded := textnorm.Fold(text)
	for _, fk := range formKeywords {
		if fk.re.MatchString(folded) {
			return fk.form
		}
	}
	return prescription.FormUnknown
}

func cutInstructions(s string) string {
	folded := textnorm.Fold(s)
	if loc := instructionTail.FindStringIndex(folded); loc != nil && loc[0] > 0 {
		return textnorm.RuneSlice(s, 0, textnorm.ByteToRuneOffset(folded, loc[0]))
	}
	return s
}

// brandName picks the parenthesised group that holds the strength, or the one
// closest to it, preferring later groups on ties.
func brandName(body string) string {
	groups := parenGroup.FindAllStringSubmatchIndex(body, -1)
	if len(groups) == 0 {
		return ""
	}
	dose := strength.FindStringIndex(body)

	best, bestScore := -1, -1
	for i, g := range groups {
		content := body[g[2]:g[3]]
		name := cleanName(strength.ReplaceAllString(content, " "))
		if name == "" || !hasLetter(name) {
			continue
		}
		score := 1 << 20
		switch {
		case strength.MatchString(content):
			score = 0
		case dose != nil:
			score = distance(g[0], g[1], dose[0], dose[1])
		}
		if best < 0 || score <= bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return ""
	}
	g := groups[best]
	return cleanName(strength.ReplaceAllString(body[g[2]:g[3]], " "))
}

func distance(aStart, aEnd, bStart, bEnd int) int {
	switch {
	case aEnd <= bStart:
		return bStart - aEnd
	case bEnd <= aStart:
		return aStart - bEnd
	}
	return 0
}

// leadingName takes one leading word, or two when the first is four runes or
// shorter, stopping at digits and separators.
func leadingName(head string) string {
	var words []string
	for _, tok := range strings.Fields(head) {
		tok = strings.Trim(tok, ",;:.")
		if tok == "" || tok == "+" || tok == "-" || startsWithDigit(tok) {
			break
		}
		words = append(words, tok)
		if len(words) == 1 && utf8.RuneCountInString(tok) > 4 {
			break
		}
		if len(words) == 2 {
			break
		}
	}
	return strings.Join(words, " ")
}

// ingredientName keeps the words of one compound component up to its
// strength or quantity.
func ingredientName(part string) string {
	var words []string
	for _, tok := range strings.Fields(part) {
		tok = strings.Trim(tok, ",;:.")
		if tok == "" || startsWithDigit(tok) || strings.EqualFold(tok, "x") {
			break
		}
		words = append(words, tok)
	}
	name := cleanName(strings.Join(words, " "))
	if !hasLetter(name) {
		return ""
	}
	return name
}

func (p *Parser) fixName(name string) string {
	if name == "" {
		return ""
	}
	words := strings.Fields(name)
	for i, w := range words {
		if full, ok := p.fixes[textnorm.Key(w)]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

func cleanName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,;:-+/")
}

func startsWithDigit(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsDigit(r)
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
