package prescription

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDateRejectsImpossibleDays(t *testing.T) {
	_, err := NewDate(2024, 2, 30)
	assert.Error(t, err)

	_, err = NewDate(1850, 1, 1)
	assert.Error(t, err)

	d, err := NewDate(2024, 2, 29)
	require.NoError(t, err)
	assert.Equal(t, "29/02/2024", d.String())
}

func TestDateJSONUsesPrescriptionLayout(t *testing.T) {
	d, err := NewDate(1987, 7, 4)
	require.NoError(t, err)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"04/07/1987"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d, back)
	assert.True(t, back.Before(Date{Year: 2024, Month: time.January, Day: 1}))
}

func TestDosageFormCompatibility(t *testing.T) {
	assert.True(t, FormUnknown.CompatibleWith(FormOral))
	assert.True(t, FormTopical.CompatibleWith(FormTopical))
	assert.False(t, FormOral.CompatibleWith(FormTopical))
	assert.False(t, FormUnknown.CompatibleWith(FormOphthalmic))
}

func TestDegradedErrors(t *testing.T) {
	wrapped := &StageError{Stage: "catalog", Err: fmt.Errorf("query: %w", ErrCatalogUnavailable)}
	assert.True(t, Degraded(wrapped))
	assert.True(t, errors.Is(wrapped, ErrCatalogUnavailable))
	assert.False(t, Degraded(ErrNoTextAvailable))
	assert.Equal(t, "catalog: query: catalog unavailable", wrapped.Error())
}

func TestEventRoundTripKeepsResult(t *testing.T) {
	res := &AnalysisResult{Confidence: 0.95, Notes: []string{"ok"}}
	ev, err := NewEvent("a-1", EventAnalysisCompleted, AnalysisCompletedData{AnalysisID: "a-1", Result: res})
	require.NoError(t, err)
	ev.WithCorrelation("req-9")

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "req-9", ev.CorrelationID)

	var data AnalysisCompletedData
	require.NoError(t, ev.DecodeData(&data))
	assert.Equal(t, 0.95, data.Result.Confidence)
}
