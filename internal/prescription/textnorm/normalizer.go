// Package textnorm cleans raw OCR text from prescriptions. Normalization is
// deterministic and idempotent: rules are applied until the text stops
// changing.
package textnorm

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Rule is a single regular-expression rewrite.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Replace is used with ReplaceAllString when Func is nil.
	Replace string
	Func    func(match string) string
}

func (r Rule) apply(s string) string {
	if r.Func != nil {
		return r.Pattern.ReplaceAllStringFunc(s, r.Func)
	}
	return r.Pattern.ReplaceAllString(s, r.Replace)
}

// DefaultConfusions fixes letters commonly misread next to digits.
func DefaultConfusions() []Rule {
	zeroRun := regexp.MustCompile(`[oO]+`)
	return []Rule{
		{
			Name:    "o-between-digits",
			Pattern: regexp.MustCompile(`(\d)[oO](\d)`),
			Replace: "${1}0${2}",
		},
		{
			Name:    "o-before-unit",
			Pattern: regexp.MustCompile(`\d[oO]+\s?(?:mg|mcg|ml|g)\b`),
			Func: func(m string) string {
				return zeroRun.ReplaceAllStringFunc(m, func(z string) string {
					return strings.Repeat("0", len(z))
				})
			},
		},
		{
			Name:    "one-before-digits",
			Pattern: regexp.MustCompile(`(^|[\s(])[lI](\d+(?:[.,]\d+)?\s?(?:mg|mcg|ml|g|%))`),
			Replace: "${1}1${2}",
		},
		{
			Name:    "rng-unit",
			Pattern: regexp.MustCompile(`(\d)\s?rng\b`),
			Replace: "${1}mg",
		},
		{
			Name:    "vien-after-count",
			Pattern: regexp.MustCompile(`(?i)(\d)\s*vien\b`),
			Replace: "${1} viên",
		},
		{
			Name:    "tuoi-after-count",
			Pattern: regexp.MustCompile(`(?i)(\d)\s*tuoi\b`),
			Replace: "${1} tuổi",
		},
	}
}

// DefaultVocabulary maps clinical phrases written without diacritics to their
// accented spelling. Only these phrases are ever accented, so proper nouns are
// left alone.
func DefaultVocabulary() map[string]string {
	return map[string]string{
		"chan doan":      "chẩn đoán",
		"ho ten":         "họ tên",
		"ho va ten":      "họ và tên",
		"ngay sinh":      "ngày sinh",
		"nam sinh":       "năm sinh",
		"gioi tinh":      "giới tính",
		"dia chi":        "địa chỉ",
		"dien thoai":     "điện thoại",
		"bac si":         "bác sĩ",
		"benh vien":      "bệnh viện",
		"phong kham":     "phòng khám",
		"don thuoc":      "đơn thuốc",
		"thuoc dieu tri": "thuốc điều trị",
		"loi dan":        "lời dặn",
		"tai kham":       "tái khám",
		"ghi chu":        "ghi chú",
		"ngay kham":      "ngày khám",
		"kham benh":      "khám bệnh",
		"ky ten":         "ký tên",
		"cong khoan":     "cộng khoản",
		"sau an":         "sau ăn",
		"truoc an":       "trước ăn",
		"viem hong":      "viêm họng",
		"tang huyet ap":  "tăng huyết áp",
		"dai thao duong": "đái tháo đường",
		"uong":           "uống",
	}
}

type vocabRule struct {
	pattern *regexp.Regexp
	accent  string
}

// Normalizer applies confusion fixes, vocabulary accenting, whitespace and
// punctuation clean-up.
type Normalizer struct {
	confusions []Rule
	vocabulary []vocabRule
	spacing    []Rule
	maxPasses  int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithConfusions appends extra confusion rules after the defaults.
func WithConfusions(rules ...Rule) Option {
	return func(n *Normalizer) {
		n.confusions = append(n.confusions, rules...)
	}
}

// WithVocabulary adds phrases to the accent vocabulary. Keys must be written
// without diacritics.
func WithVocabulary(extra map[string]string) Option {
	return func(n *Normalizer) {
		n.vocabulary = append(n.vocabulary, compileVocabulary(extra)...)
		sortVocabulary(n.vocabulary)
	}
}

// New builds a Normalizer with the default rule tables plus options.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		confusions: DefaultConfusions(),
		vocabulary: compileVocabulary(DefaultVocabulary()),
		spacing:    spacingRules(),
		maxPasses:  8,
	}
	sortVocabulary(n.vocabulary)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func compileVocabulary(vocab map[string]string) []vocabRule {
	out := make([]vocabRule, 0, len(vocab))
	for plain, accent := range vocab {
		plain = strings.TrimSpace(strings.ToLower(plain))
		if plain == "" || accent == "" {
			continue
		}
		words := strings.Fields(plain)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		expr := `(?i)(^|[^\p{L}\d])(` + strings.Join(words, `\s+`) + `)($|[^\p{L}\d])`
		out = append(out, vocabRule{pattern: regexp.MustCompile(expr), accent: accent})
	}
	return out
}

// longer phrases first so "thuoc dieu tri" wins over any shorter entry
func sortVocabulary(v []vocabRule) {
	sort.SliceStable(v, func(i, j int) bool {
		if len(v[i].accent) != len(v[j].accent) {
			return len(v[i].accent) > len(v[j].accent)
		}
		return v[i].accent < v[j].accent
	})
}

func spacingRules() []Rule {
	return []Rule{
		{Name: "space-before-punct", Pattern: regexp.MustCompile(`[ \t]+([,;:)\]])`), Replace: "${1}"},
		{Name: "space-after-open", Pattern: regexp.MustCompile(`([(\[])[ \t]+`), Replace: "${1}"},
		{Name: "space-after-label-colon", Pattern: regexp.MustCompile(`(\p{L})([:;])([\p{L}\d])`), Replace: "${1}${2} ${3}"},
		{Name: "space-after-word-comma", Pattern: regexp.MustCompile(`(\p{L}),(\p{L})`), Replace: "${1}, ${2}"},
	}
}

// Normalize cleans raw OCR text. Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	cur := norm.NFC.String(raw)
	for i := 0; i < n.maxPasses; i++ {
		next := n.pass(cur)
		if next == cur {
			break
		}
		cur = next
	}
	return cur
}

func (n *Normalizer) pass(s string) string {
	for _, r := range n.confusions {
		s = r.apply(s)
	}
	for _, v := range n.vocabulary {
		s = v.pattern.ReplaceAllStringFunc(s, func(m string) string {
			sub := v.pattern.FindStringSubmatch(m)
			return sub[1] + matchCase(sub[2], v.accent) + sub[3]
		})
	}
	s = collapseWhitespace(s)
	for _, r := range n.spacing {
		s = r.apply(s)
	}
	return s
}

// matchCase copies the capitalisation of the matched text onto the accented
// replacement: all caps stays all caps, a leading capital stays leading.
func matchCase(matched, accent string) string {
	hasLower, hasUpper := false, false
	for _, r := range matched {
		if unicode.IsLower(r) {
			hasLower = true
		}
		if unicode.IsUpper(r) {
			hasUpper = true
		}
	}
	switch {
	case hasUpper && !hasLower:
		return strings.ToUpper(accent)
	case hasUpper:
		if first, _ := utf8.DecodeRuneInString(matched); unicode.IsUpper(first) {
			a, size := utf8.DecodeRuneInString(accent)
			return string(unicode.ToUpper(a)) + accent[size:]
		}
	}
	return accent
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, isHorizontalSpace), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func isHorizontalSpace(r rune) bool {
	return r != '\n' && unicode.IsSpace(r)
}

// Lines splits normalized text into its non-empty physical lines.
func Lines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
