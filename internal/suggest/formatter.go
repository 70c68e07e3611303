// Package suggest turns matching outcomes into the caller-facing analysis
// result.
package suggest

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

const (
	confidenceAllMatched  = 0.95
	confidenceSomeMatched = 0.7
	confidenceNoneMatched = 0.3
)

// Resolution is the matching outcome of one medicine entry. Match is nil when
// no exact product was found.
type Resolution struct {
	Entry       prescription.MedicineEntry
	Match       *prescription.ProductMatch
	Suggestions []prescription.ProductMatch
}

// Formatter builds AnalysisResults.
type Formatter struct {
	explain bool
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithExplanation fills AnalysisResult.Explanation.
func WithExplanation(on bool) Option {
	return func(f *Formatter) { f.explain = on }
}

// NewFormatter creates a formatter.
func NewFormatter(opts ...Option) *Formatter {
	f := &Formatter{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format deduplicates resolutions by (name, dosage), keeps every entry in
// exactly one of found and not-found, and scores the overall result.
func (f *Formatter) Format(patient prescription.PatientRecord, results []Resolution, notes []string) prescription.AnalysisResult {
	out := prescription.AnalysisResult{
		Patient:           patient,
		FoundMedicines:    []prescription.FoundMedicine{},
		NotFoundMedicines: []prescription.NotFoundMedicine{},
		Notes:             append([]string{}, notes...),
	}

	results = dedup(results)

	found := make(map[string]struct{})
	for _, r := range results {
		if r.Match == nil {
			continue
		}
		if _, dup := found[r.Match.ProductID]; dup {
			out.Notes = append(out.Notes, fmt.Sprintf("%s resolves to %s, already listed", label(r.Entry), r.Match.Product.Name))
			continue
		}
		found[r.Match.ProductID] = struct{}{}
		out.FoundMedicines = append(out.FoundMedicines, prescription.FoundMedicine{Entry: r.Entry, Match: *r.Match})
	}

	for _, r := range results {
		if r.Match != nil {
			continue
		}
		suggestions := make([]prescription.ProductMatch, 0, len(r.Suggestions))
		for _, s := range r.Suggestions {
			if _, ok := found[s.ProductID]; !ok {
				suggestions = append(suggestions, s)
			}
		}
		out.NotFoundMedicines = append(out.NotFoundMedicines, prescription.NotFoundMedicine{Entry: r.Entry, Suggestions: suggestions})
	}

	out.Confidence = overallConfidence(len(out.FoundMedicines), len(out.NotFoundMedicines))
	out.RequiresConsultation = requiresConsultation(out)
	if len(out.FoundMedicines)+len(out.NotFoundMedicines) == 0 {
		out.Notes = append(out.Notes, "no medicines could be identified; pharmacist review required")
	}
	if f.explain {
		out.Explanation = Explain(out)
	}
	return out
}

// dedup keeps the first resolution per (name, dosage) key, upgraded to a
// later duplicate that has an exact match.
func dedup(results []Resolution) []Resolution {
	index := make(map[string]int, len(results))
	out := make([]Resolution, 0, len(results))
	for _, r := range results {
		k := Key(r.Entry)
		if i, ok := index[k]; ok {
			if out[i].Match == nil && r.Match != nil {
				out[i] = r
			}
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

// Key is the deduplication key of an entry: normalized name and dosage.
func Key(e prescription.MedicineEntry) string {
	name := e.GenericName
	if name == "" {
		name = e.BrandName
	}
	return textnorm.LooseKey(name) + "|" + strings.ReplaceAll(textnorm.Key(e.Dosage), " ", "")
}

func overallConfidence(found, notFound int) float64 {
	switch {
	case found > 0 && notFound == 0:
		return confidenceAllMatched
	case found > 0:
		return confidenceSomeMatched
	default:
		return confidenceNoneMatched
	}
}

func requiresConsultation(r prescription.AnalysisResult) bool {
	if len(r.NotFoundMedicines) > 0 || len(r.FoundMedicines) == 0 {
		return true
	}
	for _, f := range r.FoundMedicines {
		if f.Match.Product.PrescriptionRequired {
			return true
		}
	}
	return false
}

func label(e prescription.MedicineEntry) string {
	name := e.GenericName
	if e.BrandName != "" && e.BrandName != e.GenericName {
		name += " (" + e.BrandName + ")"
	}
	if e.Dosage != "" {
		name += " " + e.Dosage
	}
	if name == "" {
		return strings.TrimSpace(e.OriginalText)
	}
	return name
}
