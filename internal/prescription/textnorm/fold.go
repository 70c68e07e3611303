package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// FoldRune maps r to its lowercase base letter with diacritics removed.
// The mapping is always one rune to one rune.
func FoldRune(r rune) rune {
	if r < utf8.RuneSelf {
		return unicode.ToLower(r)
	}
	switch r {
	case 'đ', 'Đ':
		return 'd'
	}
	lower := unicode.ToLower(r)
	base, _ := utf8.DecodeRuneInString(norm.NFD.String(string(lower)))
	if base == utf8.RuneError {
		return lower
	}
	return base
}

// Fold returns a lowercase, diacritic-free copy of s with exactly the same
// number of runes, so rune offsets found in the folded text address the
// same characters in s.
func Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		b.WriteRune(FoldRune(r))
	}
	return b.String()
}

// Key reduces s to a comparison key: folded, punctuation collapsed to single
// spaces and trimmed. Two spellings of the same medicine that differ only in
// case, accents or separators produce the same key.
func Key(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range Fold(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '%' || r == '/' || r == '.' {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// RuneSlice returns the runes of s between rune offsets start and end.
func RuneSlice(s string, start, end int) string {
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// ByteToRuneOffset converts a byte offset into s to a rune offset.
func ByteToRuneOffset(s string, byteOffset int) int {
	if byteOffset > len(s) {
		byteOffset = len(s)
	}
	return utf8.RuneCountInString(s[:byteOffset])
}

// LooseKey is Key with repeated letters collapsed and a word-final "e"
// dropped, so spelling variants such as "Amoxicillin"/"Amoxicilin" or
// "Loratadine"/"Loratadin" compare equal.
func LooseKey(s string) string {
	words := strings.Fields(Key(s))
	for i, w := range words {
		var b strings.Builder
		var prev rune
		for _, r := range w {
			if r == prev && unicode.IsLetter(r) {
				continue
			}
			b.WriteRune(r)
			prev = r
		}
		out := b.String()
		if len(out) > 3 && strings.HasSuffix(out, "e") {
			out = out[:len(out)-1]
		}
		words[i] = out
	}
	return strings.Join(words, " ")
}
