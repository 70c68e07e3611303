package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

func exact(id, name string, rx bool) *prescription.ProductMatch {
	return &prescription.ProductMatch{
		ProductID:  id,
		MatchType:  prescription.MatchExact,
		Confidence: 0.95,
		Reason:     prescription.ReasonExactName,
		Product:    prescription.Product{ID: id, Name: name, StockQuantity: 5, PrescriptionRequired: rx},
	}
}

func substitute(id, name string, conf float64, reason prescription.MatchReason) prescription.ProductMatch {
	return prescription.ProductMatch{
		ProductID:  id,
		MatchType:  prescription.MatchFallback,
		Confidence: conf,
		Reason:     reason,
		Product:    prescription.Product{ID: id, Name: name},
	}
}

func entry(generic, dosage string) prescription.MedicineEntry {
	return prescription.MedicineEntry{GenericName: generic, Dosage: dosage}
}

func TestFormatAllMatched(t *testing.T) {
	res := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Paracetamol", "500mg"), Match: exact("P001", "Dopagan 500mg", false)},
		{Entry: entry("Loratadin", "10mg"), Match: exact("P009", "Loratadin 10mg", false)},
	}, nil)

	assert.Len(t, res.FoundMedicines, 2)
	assert.Empty(t, res.NotFoundMedicines)
	assert.Equal(t, 0.95, res.Confidence)
	assert.False(t, res.RequiresConsultation)
	assert.Empty(t, res.Explanation)
}

func TestFormatPrescriptionOnlyRequiresConsultation(t *testing.T) {
	res := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Augmentin", "625mg"), Match: exact("P007", "Augmentin 625mg", true)},
	}, nil)

	assert.Equal(t, 0.95, res.Confidence)
	assert.True(t, res.RequiresConsultation)
}

func TestFormatMixedAndNone(t *testing.T) {
	mixed := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Paracetamol", "500mg"), Match: exact("P001", "Dopagan 500mg", false)},
		{Entry: entry("Celecoxib", "200mg"), Suggestions: []prescription.ProductMatch{
			substitute("P004", "Arcoxia 60mg", 0.75, prescription.ReasonSameGroup),
		}},
	}, []string{"diagnosis: ambiguous field extraction"})
	assert.Equal(t, 0.7, mixed.Confidence)
	assert.True(t, mixed.RequiresConsultation)
	assert.Equal(t, []string{"diagnosis: ambiguous field extraction"}, mixed.Notes)

	none := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Celecoxib", "200mg")},
	}, nil)
	assert.Equal(t, 0.3, none.Confidence)
	assert.True(t, none.RequiresConsultation)
	require.Len(t, none.NotFoundMedicines, 1)
	assert.NotNil(t, none.NotFoundMedicines[0].Suggestions)
}

func TestFormatNoEntries(t *testing.T) {
	res := NewFormatter().Format(prescription.PatientRecord{}, nil, nil)

	assert.Equal(t, 0.3, res.Confidence)
	assert.True(t, res.RequiresConsultation)
	assert.NotNil(t, res.FoundMedicines)
	assert.NotNil(t, res.NotFoundMedicines)
	assert.Len(t, res.Notes, 1)
}

func TestFormatDeduplicatesByNameAndDosage(t *testing.T) {
	res := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Amoxicilin", "500mg")},
		{Entry: entry("AMOXICILLIN", "500 mg"), Match: exact("P100", "Amoxicillin 500mg", true)},
		{Entry: entry("Amoxicillin", "250mg")},
	}, nil)

	require.Len(t, res.FoundMedicines, 1)
	assert.Equal(t, "P100", res.FoundMedicines[0].Match.ProductID)
	require.Len(t, res.NotFoundMedicines, 1)
	assert.Equal(t, "250mg", res.NotFoundMedicines[0].Entry.Dosage)
}

func TestFormatKeepsFoundAndNotFoundExclusive(t *testing.T) {
	res := NewFormatter().Format(prescription.PatientRecord{}, []Resolution{
		{Entry: entry("Celecoxib", "200mg"), Suggestions: []prescription.ProductMatch{
			substitute("P004", "Arcoxia 60mg", 0.75, prescription.ReasonSameGroup),
			substitute("P006", "Mobic 7.5mg", 0.75, prescription.ReasonSameGroup),
		}},
		{Entry: entry("Etoricoxib", "60mg"), Match: exact("P004", "Arcoxia 60mg", true)},
		{Entry: entry("Arcoxia", ""), Match: exact("P004", "Arcoxia 60mg", true)},
	}, nil)

	require.Len(t, res.FoundMedicines, 1)
	require.Len(t, res.NotFoundMedicines, 1)
	suggestions := res.NotFoundMedicines[0].Suggestions
	require.Len(t, suggestions, 1)
	assert.Equal(t, "P006", suggestions[0].ProductID)
	assert.Contains(t, res.Notes[0], "already listed")
}

func TestExplain(t *testing.T) {
	res := NewFormatter(WithExplanation(true)).Format(prescription.PatientRecord{}, []Resolution{
		{Entry: prescription.MedicineEntry{GenericName: "Paracetamol", BrandName: "Dopagan", Dosage: "500mg"}, Match: exact("P001", "Dopagan 500mg", false)},
		{Entry: entry("Celecoxib", "200mg"), Suggestions: []prescription.ProductMatch{
			substitute("P004", "Arcoxia 60mg", 0.75, prescription.ReasonSameGroup),
		}},
		{Entry: entry("Unobtainium", "")},
	}, nil)

	assert.Contains(t, res.Explanation, "1 of 3 prescribed medicines are available.")
	assert.Contains(t, res.Explanation, "- Paracetamol (Dopagan) 500mg: Dopagan 500mg")
	assert.Contains(t, res.Explanation, "Arcoxia 60mg (same therapeutic group, 75%) [out of stock]")
	assert.Contains(t, res.Explanation, "- Unobtainium: not available, no substitute found")
	assert.Contains(t, res.Explanation, "A pharmacist must confirm")
}
