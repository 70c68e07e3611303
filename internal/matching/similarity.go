package matching

import (
	"regexp"
	"strings"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/medname"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

const unit = `(?:mcg|µg|mg|ml|g|%|iu|ui)`

var (
	strengthToken = regexp.MustCompile(`\d+(?:[.,]\d+)?(?:\s?` + unit + `)?(?:\s?[/+]\s?\d+(?:[.,]\d+)?(?:\s?` + unit + `)?)*\s?` + unit + `(?:[^\p{L}\d]|$)`)
	number        = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// Similarity is the Dice coefficient over letter bigrams of the loose keys of
// a and b. It returns a value in [0, 1].
func Similarity(a, b string) float64 {
	x, y := bigrams(textnorm.LooseKey(a)), bigrams(textnorm.LooseKey(b))
	if len(x) == 0 || len(y) == 0 {
		return 0
	}
	counts := make(map[string]int, len(x))
	for _, g := range x {
		counts[g]++
	}
	shared := 0
	for _, g := range y {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(x)+len(y))
}

func bigrams(key string) []string {
	var out []string
	for _, w := range strings.Fields(key) {
		r := []rune(w)
		if len(r) == 1 {
			out = append(out, w)
			continue
		}
		for i := 0; i+1 < len(r); i++ {
			out = append(out, string(r[i:i+2]))
		}
	}
	return out
}

// nameKey is the loose key of a product or medicine name with its strength
// removed, so "Dopagan 500mg" and "DOPAGAN" compare equal.
func nameKey(s string) string {
	return textnorm.LooseKey(strengthToken.ReplaceAllString(textnorm.Fold(s), " "))
}

// productDosage returns the strength written in the product name.
func productDosage(p prescription.Product) string {
	m := strengthToken.FindString(textnorm.Fold(p.Name))
	if m == "" {
		return ""
	}
	return medname.NormalizeDosage(m)
}

// dosageEqual reports whether two dosages state the same amounts, so
// "500/125mg" equals "500mg/125mg".
func dosageEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	x, y := number.FindAllString(strings.ReplaceAll(a, ",", "."), -1), number.FindAllString(strings.ReplaceAll(b, ",", "."), -1)
	if len(x) == 0 || len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// dosageConflicts reports whether both dosages are known and differ.
func dosageConflicts(entry, product string) bool {
	return entry != "" && product != "" && !dosageEqual(entry, product)
}

// productForm infers the dosage form of a catalog product from its form field
// and name.
func productForm(p prescription.Product) prescription.DosageForm {
	return medname.InferForm(p.DosageForm + " " + p.Name)
}
