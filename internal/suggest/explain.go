package suggest

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

var reasonText = map[prescription.MatchReason]string{
	prescription.ReasonExactName:      "same product",
	prescription.ReasonSameIngredient: "same active ingredient",
	prescription.ReasonSameGroup:      "same therapeutic group",
	prescription.ReasonSameIndication: "used for the same condition",
	prescription.ReasonGenericSimilar: "similar name",
}

// Explain renders a result as plain text for the pharmacist.
func Explain(r prescription.AnalysisResult) string {
	var b strings.Builder
	total := len(r.FoundMedicines) + len(r.NotFoundMedicines)
	if total == 0 {
		b.WriteString("No medicines could be read from this prescription.\n")
	} else {
		fmt.Fprintf(&b, "%d of %d prescribed medicines are available.\n", len(r.FoundMedicines), total)
	}

	for _, f := range r.FoundMedicines {
		p := f.Match.Product
		fmt.Fprintf(&b, "- %s: %s%s\n", label(f.Entry), p.Name, stockNote(p))
	}
	for _, nf := range r.NotFoundMedicines {
		if len(nf.Suggestions) == 0 {
			fmt.Fprintf(&b, "- %s: not available, no substitute found\n", label(nf.Entry))
			continue
		}
		fmt.Fprintf(&b, "- %s: not available, possible substitutes:\n", label(nf.Entry))
		for _, s := range nf.Suggestions {
			fmt.Fprintf(&b, "    %s (%s, %.0f%%)%s\n", s.Product.Name, reasonText[s.Reason], s.Confidence*100, stockNote(s.Product))
		}
	}

	if r.RequiresConsultation {
		b.WriteString("A pharmacist must confirm this order before dispensing.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func stockNote(p prescription.Product) string {
	var notes []string
	if !p.InStock() {
		notes = append(notes, "out of stock")
	}
	if p.PrescriptionRequired {
		notes = append(notes, "prescription only")
	}
	if len(notes) == 0 {
		return ""
	}
	return " [" + strings.Join(notes, ", ") + "]"
}
