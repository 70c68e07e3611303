package fields

import (
	"fmt"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

// Extractor recovers a PatientRecord from normalized text. Each field has its
// own RuleSet; fields never depend on each other until reconciliation.
type Extractor struct {
	Customer        RuleSet[string]
	Doctor          RuleSet[string]
	Facility        RuleSet[string]
	ExaminationDate RuleSet[prescription.Date]
	DateOfBirth     RuleSet[prescription.Date]
	YearOfBirth     RuleSet[int]
	Age             RuleSet[int]
	Diagnosis       RuleSet[string]
	Notes           RuleSet[string]
}

// NewExtractor returns an Extractor with the default English and Vietnamese
// label families.
func NewExtractor() *Extractor {
	return &Extractor{
		Customer:        CustomerNameRules(),
		Doctor:          DoctorNameRules(),
		Facility:        FacilityRules(),
		ExaminationDate: ExaminationDateRules(),
		DateOfBirth:     DateOfBirthRules(),
		YearOfBirth:     YearOfBirthRules(),
		Age:             AgeRules(),
		Diagnosis:       DiagnosisRules(),
		Notes:           NotesRules(),
	}
}

// Extract returns the record and notes describing fields that had candidates
// but were left absent or were adjusted during reconciliation.
func (e *Extractor) Extract(text string) (prescription.PatientRecord, []string) {
	doc := NewDocument(text)
	var (
		rec   prescription.PatientRecord
		notes []string
	)

	note := func(field string, ambiguous bool) {
		if ambiguous {
			notes = append(notes, fmt.Sprintf("%s: %v", field, prescription.ErrAmbiguousExtraction))
		}
	}

	rec.CustomerName = stringField(e.Customer.Find(doc), note, e.Customer.Field)
	rec.DoctorName = stringField(e.Doctor.Find(doc), note, e.Doctor.Field)
	rec.FacilityName = stringField(e.Facility.Find(doc), note, e.Facility.Field)
	rec.Diagnosis = stringField(e.Diagnosis.Find(doc), note, e.Diagnosis.Field)
	rec.Notes = stringField(e.Notes.Find(doc), note, e.Notes.Field)

	if r := e.ExaminationDate.Find(doc); r.Found {
		rec.ExaminationDate = &r.Value
	} else {
		note(e.ExaminationDate.Field, r.Ambiguous())
	}
	if r := e.DateOfBirth.Find(doc); r.Found {
		rec.DateOfBirth = &r.Value
	} else {
		note(e.DateOfBirth.Field, r.Ambiguous())
	}
	if r := e.YearOfBirth.Find(doc); r.Found {
		rec.YearOfBirth = &r.Value
	} else {
		note(e.YearOfBirth.Field, r.Ambiguous())
	}
	if r := e.Age.Find(doc); r.Found {
		rec.Age = &r.Value
	} else {
		note(e.Age.Field, r.Ambiguous())
	}

	notes = append(notes, Reconcile(&rec)...)
	return rec, notes
}

func stringField(r Result[string], note func(string, bool), field string) *string {
	if !r.Found {
		note(field, r.Ambiguous())
		return nil
	}
	v := r.Value
	return &v
}

// Reconcile enforces the cross-field rules: the birth year agrees with
// the birth date, the birth date precedes the examination date, and a missing
// age is derived when both the birth year and examination date are known.
func Reconcile(rec *prescription.PatientRecord) []string {
	var notes []string

	if rec.DateOfBirth != nil && rec.ExaminationDate != nil && !rec.DateOfBirth.Before(*rec.ExaminationDate) {
		notes = append(notes, fmt.Sprintf("date of birth %s is not before examination date %s; dropped",
			rec.DateOfBirth, rec.ExaminationDate))
		rec.DateOfBirth = nil
	}

	if rec.DateOfBirth != nil {
		year := rec.DateOfBirth.Year
		if rec.YearOfBirth != nil && *rec.YearOfBirth != year {
			notes = append(notes, fmt.Sprintf("year of birth %d disagrees with date of birth %s; using %d",
				*rec.YearOfBirth, rec.DateOfBirth, year))
		}
		rec.YearOfBirth = &year
	}

	if rec.YearOfBirth != nil && rec.ExaminationDate != nil && *rec.YearOfBirth > rec.ExaminationDate.Year {
		notes = append(notes, fmt.Sprintf("year of birth %d is after examination year %d; dropped",
			*rec.YearOfBirth, rec.ExaminationDate.Year))
		rec.YearOfBirth = nil
	}

	if rec.Age == nil && rec.ExaminationDate != nil {
		switch {
		case rec.DateOfBirth != nil:
			age := ageAt(*rec.DateOfBirth, *rec.ExaminationDate)
			rec.Age = &age
		case rec.YearOfBirth != nil:
			age := rec.ExaminationDate.Year - *rec.YearOfBirth
			rec.Age = &age
		}
	}
	return notes
}

func ageAt(birth, at prescription.Date) int {
	age := at.Year - birth.Year
	if at.Month < birth.Month || (at.Month == birth.Month && at.Day < birth.Day) {
		age--
	}
	return age
}
