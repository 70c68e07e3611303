// Package prescription holds the request-scoped entities produced while a
// photographed prescription is analysed.
package prescription

import (
	"encoding/json"
	"fmt"
	"time"
)

// Date is a calendar date without time-of-day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate validates the parts and returns the date.
func NewDate(year, month, day int) (Date, error) {
	if year < 1900 || year > 2100 {
		return Date{}, fmt.Errorf("year %d out of range", year)
	}
	if month < 1 || month > 12 {
		return Date{}, fmt.Errorf("month %d out of range", month)
	}
	if day < 1 || day > 31 {
		return Date{}, fmt.Errorf("day %d out of range", day)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return Date{}, fmt.Errorf("%02d/%02d/%d is not a calendar date", day, month, year)
	}
	return Date{Year: year, Month: time.Month(month), Day: day}, nil
}

// Time returns the date at UTC midnight.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// String renders the date as dd/mm/yyyy, the layout used on prescriptions.
func (d Date) String() string {
	return fmt.Sprintf("%02d/%02d/%04d", d.Day, int(d.Month), d.Year)
}

// MarshalJSON encodes the date as its dd/mm/yyyy string.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a dd/mm/yyyy string.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	var day, month, year int
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &day, &month, &year); err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	parsed, err := NewDate(year, month, day)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// PatientRecord is the metadata recovered from a prescription. Every field is
// independently optional; nil means the field could not be extracted.
type PatientRecord struct {
	CustomerName    *string `json:"customer_name,omitempty"`
	DoctorName      *string `json:"doctor_name,omitempty"`
	FacilityName    *string `json:"facility_name,omitempty"`
	ExaminationDate *Date   `json:"examination_date,omitempty"`
	DateOfBirth     *Date   `json:"date_of_birth,omitempty"`
	YearOfBirth     *int    `json:"year_of_birth,omitempty"`
	Age             *int    `json:"age,omitempty"`
	Diagnosis       *string `json:"diagnosis,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

// LineCandidate is one physical or merged source line believed to reference
// exactly one medicine.
type LineCandidate struct {
	RawText    string `json:"raw_text"`
	LineIndex  int    `json:"line_index"`
	MergedFrom []int  `json:"merged_from,omitempty"`
	Sequence   int    `json:"sequence"`
	Inferred   bool   `json:"inferred,omitempty"`
}

// DosageForm groups pharmaceutical forms that may substitute for each other.
type DosageForm string

const (
	FormUnknown     DosageForm = ""
	FormOral        DosageForm = "oral"
	FormTopical     DosageForm = "topical"
	FormOphthalmic  DosageForm = "ophthalmic"
	FormInjectable  DosageForm = "injectable"
	FormInhaled     DosageForm = "inhaled"
	FormSuppository DosageForm = "suppository"
)

// CompatibleWith reports whether two forms may be substituted. An unknown form
// is treated as oral, the overwhelmingly common case on prescriptions.
func (f DosageForm) CompatibleWith(other DosageForm) bool {
	a, b := f, other
	if a == FormUnknown {
		a = FormOral
	}
	if b == FormUnknown {
		b = FormOral
	}
	return a == b
}

// MedicineEntry is a parsed medicine line item.
type MedicineEntry struct {
	GenericName  string        `json:"generic_name"`
	BrandName    string        `json:"brand_name,omitempty"`
	Dosage       string        `json:"dosage,omitempty"`
	Ingredients  []string      `json:"ingredients,omitempty"`
	Form         DosageForm    `json:"form,omitempty"`
	OriginalText string        `json:"original_text"`
	Candidate    LineCandidate `json:"candidate"`
}

// DisplayName is the most specific human-facing name of the entry.
func (e MedicineEntry) DisplayName() string {
	if e.BrandName != "" {
		return e.BrandName
	}
	return e.GenericName
}

// Product is a catalog record as returned by the catalog collaborator.
type Product struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Brand                string  `json:"brand,omitempty"`
	ActiveIngredient     string  `json:"active_ingredient,omitempty"`
	TherapeuticGroup     string  `json:"group_therapeutic,omitempty"`
	Indication           string  `json:"indication,omitempty"`
	DosageForm           string  `json:"dosage_form,omitempty"`
	Price                float64 `json:"price"`
	StockQuantity        int     `json:"stock_quantity"`
	PrescriptionRequired bool    `json:"prescription_required"`
}

// InStock reports whether the product can be dispensed right now.
func (p Product) InStock() bool { return p.StockQuantity > 0 }

// MatchType distinguishes direct hits from substitutes.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchFallback MatchType = "fallback"
)

// MatchReason is the enumerated rationale for a match.
type MatchReason string

const (
	ReasonExactName      MatchReason = "exact_name"
	ReasonSameIngredient MatchReason = "same_active_ingredient"
	ReasonSameGroup      MatchReason = "same_group_therapeutic"
	ReasonSameIndication MatchReason = "same_indication"
	ReasonGenericSimilar MatchReason = "generic_similarity"
)

// ProductMatch is a catalog product resolved for an entry.
type ProductMatch struct {
	ProductID  string      `json:"product_id"`
	MatchType  MatchType   `json:"match_type"`
	Confidence float64     `json:"confidence"`
	Reason     MatchReason `json:"match_reason"`
	Product    Product     `json:"product"`
}

// FoundMedicine is an entry resolved with an exact match.
type FoundMedicine struct {
	Entry MedicineEntry `json:"entry"`
	Match ProductMatch  `json:"match"`
}

// NotFoundMedicine is an entry without an exact match, with ranked substitutes.
type NotFoundMedicine struct {
	Entry       MedicineEntry  `json:"entry"`
	Suggestions []ProductMatch `json:"suggestions"`
}

// AnalysisResult is the caller-facing outcome of one prescription analysis.
type AnalysisResult struct {
	Patient              PatientRecord      `json:"patient"`
	FoundMedicines       []FoundMedicine    `json:"found_medicines"`
	NotFoundMedicines    []NotFoundMedicine `json:"not_found_medicines"`
	RequiresConsultation bool               `json:"requires_consultation"`
	Confidence           float64            `json:"confidence"`
	Notes                []string           `json:"notes"`
	Explanation          string             `json:"explanation,omitempty"`
}
