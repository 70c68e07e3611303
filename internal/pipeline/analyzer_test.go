package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/catalog"
	"github.com/drfirst/go-rxscan/internal/catalog/catalogtest"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/matching"
	"github.com/drfirst/go-rxscan/internal/suggest"
	"github.com/drfirst/go-rxscan/pkg/circuitbreaker"
)

const slip = `SỞ Y TẾ HÀ NỘI
BỆNH VIỆN ĐA KHOA XANH PÔN
ĐƠN THUỐC
Họ tên: NGUYỄN VĂN AN Tuổi: 45
Điện thoại: 0912345678
Chẩn đoán: Viêm họng cấp (J02)
Thuốc điều trị:
1) Paracetamol (Dopagan 500mg) - Sáng: 1 viên
2) Celecoxib 200mg - Tối: 1 viên
3) Amoxicilin + acid
clavulanic (Klamentin 500/125mg)
Lời dặn: Uống sau ăn
Ngày 15 tháng 03 năm 2024
BS. Trần Thị Bình`

func newAnalyzer(opts ...Option) *Analyzer {
	engine := matching.NewEngine(catalog.NewMemory(catalogtest.Products()))
	return New(engine, opts...)
}

func foundIDs(r *prescription.AnalysisResult) []string {
	var out []string
	for _, f := range r.FoundMedicines {
		out = append(out, f.Match.ProductID)
	}
	return out
}

func notesContaining(r *prescription.AnalysisResult, s string) int {
	n := 0
	for _, note := range r.Notes {
		if strings.Contains(note, s) {
			n++
		}
	}
	return n
}

type stubOCR struct {
	text string
	err  error
}

func (s stubOCR) ExtractText(context.Context, []byte, string) (string, error) {
	return s.text, s.err
}

type stubCorrector struct {
	calls atomic.Int32
	fn    func(ctx context.Context, text string) (string, error)
}

func (s *stubCorrector) Correct(ctx context.Context, text string) (string, error) {
	s.calls.Add(1)
	return s.fn(ctx, text)
}

func TestAnalyzeSlip(t *testing.T) {
	res, err := newAnalyzer().Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)

	require.NotNil(t, res.Patient.CustomerName)
	assert.Equal(t, "NGUYỄN VĂN AN", *res.Patient.CustomerName)
	require.NotNil(t, res.Patient.Diagnosis)
	assert.Equal(t, "Viêm họng cấp (J02)", *res.Patient.Diagnosis)

	// Paracetamol (Dopagan 500mg) resolves exactly by brand and strength
	assert.Equal(t, []string{"P001", "P008"}, foundIDs(res))
	dopagan := res.FoundMedicines[0]
	assert.Equal(t, "Paracetamol", dopagan.Entry.GenericName)
	assert.Equal(t, "Dopagan", dopagan.Entry.BrandName)
	assert.Equal(t, "500mg", dopagan.Entry.Dosage)
	assert.Equal(t, 1.0, dopagan.Match.Confidence)

	// the compound split over two lines is one medicine
	klamentin := res.FoundMedicines[1]
	assert.Equal(t, []int{9, 10}, klamentin.Entry.Candidate.MergedFrom)
	assert.Equal(t, []string{"Amoxicilin", "acid clavulanic"}, klamentin.Entry.Ingredients)

	// Celecoxib is missing; an oral NSAID is suggested, never the gel
	require.Len(t, res.NotFoundMedicines, 1)
	celecoxib := res.NotFoundMedicines[0]
	assert.Equal(t, "Celecoxib", celecoxib.Entry.GenericName)
	require.NotEmpty(t, celecoxib.Suggestions)
	assert.Equal(t, "P004", celecoxib.Suggestions[0].ProductID)
	for _, s := range celecoxib.Suggestions {
		assert.Equal(t, prescription.ReasonSameGroup, s.Reason)
		assert.InDelta(t, 0.775, s.Confidence, 0.025)
		assert.NotEqual(t, "P005", s.ProductID)
	}

	assert.Equal(t, 0.7, res.Confidence)
	assert.True(t, res.RequiresConsultation)
	assert.Zero(t, notesContaining(res, "catalog"))
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a := newAnalyzer(WithFormatter(suggest.NewFormatter(suggest.WithExplanation(true))))

	first, err := a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first.Explanation, "2 of 3 prescribed medicines are available.")
}

func TestAnalyzeWithoutSectionScansWholeText(t *testing.T) {
	res, err := newAnalyzer().Analyze(context.Background(), Input{Text: "Paracetamol 500mg\nLoratadin 10mg"})
	require.NoError(t, err)

	assert.Equal(t, 1, notesContaining(res, prescription.ErrNoMedicineSectionFound.Error()))
	assert.Equal(t, []string{"P009"}, foundIDs(res))
	require.Len(t, res.NotFoundMedicines, 1)
	suggestions := res.NotFoundMedicines[0].Suggestions
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "P001", suggestions[0].ProductID)
	assert.Equal(t, prescription.ReasonSameIngredient, suggestions[0].Reason)
	assert.Equal(t, 0.90, suggestions[0].Confidence)
}

func TestAnalyzeNoText(t *testing.T) {
	a := newAnalyzer()

	_, err := a.Analyze(context.Background(), Input{Text: "  \n\t "})
	assert.ErrorIs(t, err, prescription.ErrNoTextAvailable)

	_, err = a.Analyze(context.Background(), Input{Image: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"})
	assert.ErrorIs(t, err, prescription.ErrNoTextAvailable, "image without an OCR collaborator")

	withOCR := newAnalyzer(WithOCR(stubOCR{err: errors.New("unreadable")}))
	_, err = withOCR.Analyze(context.Background(), Input{Image: []byte{0xff}, MIMEType: "image/jpeg"})
	assert.ErrorIs(t, err, prescription.ErrNoTextAvailable)

	blank := newAnalyzer(WithOCR(stubOCR{text: "   "}))
	_, err = blank.Analyze(context.Background(), Input{Image: []byte{0xff}, MIMEType: "image/png"})
	assert.ErrorIs(t, err, prescription.ErrNoTextAvailable)
}

func TestAnalyzeImageThroughOCR(t *testing.T) {
	a := newAnalyzer(WithOCR(stubOCR{text: slip}))

	res, err := a.Analyze(context.Background(), Input{Image: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"P001", "P008"}, foundIDs(res))
}

func TestAnalyzeUsesCorrectedText(t *testing.T) {
	c := &stubCorrector{fn: func(_ context.Context, text string) (string, error) {
		return strings.ReplaceAll(text, "Dopagon", "Dopagan"), nil
	}}
	a := newAnalyzer(WithCorrector(c, nil))

	res, err := a.Analyze(context.Background(), Input{Text: "Thuốc điều trị:\n1) Dopagon 500mg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"P001"}, foundIDs(res))
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestAnalyzeCorrectionTimeoutFallsBack(t *testing.T) {
	c := &stubCorrector{fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	a := newAnalyzer(WithCorrector(c, nil), WithCorrectionTimeout(20*time.Millisecond))

	res, err := a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	assert.Equal(t, 1, notesContaining(res, "timed out"))
	assert.Equal(t, []string{"P001", "P008"}, foundIDs(res))
}

func TestAnalyzeCorrectionTimeoutsKeepBreakerClosed(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("text-correction")
	cfg.FailureThreshold = 3
	cfg.TripOn = func(err error) bool { return errors.Is(err, prescription.ErrQuotaExhausted) }
	cfg.IgnoreErr = CorrectionTimedOut
	breaker, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	c := &stubCorrector{fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	a := newAnalyzer(WithCorrector(c, breaker), WithCorrectionTimeout(10*time.Millisecond))

	for i := 0; i < 5; i++ {
		res, err := a.Analyze(context.Background(), Input{Text: slip})
		require.NoError(t, err)
		assert.Equal(t, 1, notesContaining(res, "timed out"))
	}
	assert.EqualValues(t, 5, c.calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
}

func TestAnalyzeQuotaOpensBreaker(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("text-correction")
	cfg.TripOn = func(err error) bool { return errors.Is(err, prescription.ErrQuotaExhausted) }
	breaker, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	c := &stubCorrector{fn: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("gemini: %w", prescription.ErrQuotaExhausted)
	}}
	a := newAnalyzer(WithCorrector(c, breaker))

	res, err := a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	assert.Equal(t, 1, notesContaining(res, "quota exhausted"))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	res, err = a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	assert.Equal(t, 1, notesContaining(res, "paused"))
	assert.EqualValues(t, 1, c.calls.Load(), "open breaker skips the collaborator")

	breaker.Reset()
	_, err = a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.calls.Load())
}

func TestAnalyzeCatalogDownDegrades(t *testing.T) {
	cat := &catalogtest.MockCatalog{}
	failure := fmt.Errorf("%w: connection refused", prescription.ErrCatalogUnavailable)
	for _, method := range []string{"SearchByName", "SearchByActiveIngredient", "SearchByTherapeuticGroup", "SearchByIndication"} {
		cat.On(method, mock.Anything, mock.Anything, mock.Anything).Return(nil, failure)
	}
	a := New(matching.NewEngine(cat))

	res, err := a.Analyze(context.Background(), Input{Text: slip})
	require.NoError(t, err)
	assert.Empty(t, res.FoundMedicines)
	assert.Len(t, res.NotFoundMedicines, 3)
	assert.Equal(t, 0.3, res.Confidence)
	assert.True(t, res.RequiresConsultation)
	assert.NotZero(t, notesContaining(res, "catalog unavailable"))
}

func TestAnalyzeCancelledReturnsNoResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newAnalyzer().Analyze(ctx, Input{Text: slip})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}
