package prescription

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTextAvailable means neither the supplied text nor the OCR
	// collaborator produced any content. It is the only fatal analysis error.
	ErrNoTextAvailable = errors.New("no prescription text available")

	// ErrNoMedicineSectionFound means no start marker or numbered medicine line
	// was located and the whole text was scanned instead.
	ErrNoMedicineSectionFound = errors.New("no medicine section found")

	// ErrAmbiguousExtraction means a field had candidates but none passed
	// validation; the field is left absent.
	ErrAmbiguousExtraction = errors.New("ambiguous field extraction")

	// ErrCatalogUnavailable wraps I/O failures from the catalog collaborator.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrCorrectionUnavailable means the text-correction collaborator declined,
	// timed out or is behind an open breaker.
	ErrCorrectionUnavailable = errors.New("text correction unavailable")

	// ErrQuotaExhausted is reported by collaborators whose usage quota ran out.
	ErrQuotaExhausted = errors.New("collaborator quota exhausted")
)

// StageError records which pipeline stage or collaborator failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Degraded reports whether err is one of the conditions that only weakens the
// result instead of failing the analysis.
func Degraded(err error) bool {
	return errors.Is(err, ErrNoMedicineSectionFound) ||
		errors.Is(err, ErrAmbiguousExtraction) ||
		errors.Is(err, ErrCatalogUnavailable) ||
		errors.Is(err, ErrCorrectionUnavailable)
}
