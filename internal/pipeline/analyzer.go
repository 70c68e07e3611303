// Package pipeline runs a prescription through every analysis stage:
// OCR, correction, normalization, field extraction, section location,
// segmentation, name parsing, catalog matching and formatting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/matching"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
	"github.com/drfirst/go-rxscan/internal/prescription/fields"
	"github.com/drfirst/go-rxscan/internal/prescription/medname"
	"github.com/drfirst/go-rxscan/internal/prescription/section"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
	"github.com/drfirst/go-rxscan/internal/suggest"
	"github.com/drfirst/go-rxscan/pkg/circuitbreaker"
)

// DefaultCorrectionTimeout bounds a single text-correction call.
const DefaultCorrectionTimeout = 8 * time.Second

// Input is one prescription to analyse. Text wins over Image when both are set.
type Input struct {
	Text     string
	Image    []byte
	MIMEType string
}

// OCR reads text from a prescription photo.
type OCR interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Corrector repairs OCR mistakes in raw text.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Analyzer is safe for concurrent use; every call is independent apart from
// the shared correction breaker.
type Analyzer struct {
	normalizer *textnorm.Normalizer
	extractor  *fields.Extractor
	locator    *section.Locator
	segmenter  *section.Segmenter
	parser     *medname.Parser
	engine     *matching.Engine
	formatter  *suggest.Formatter

	ocr               OCR
	corrector         Corrector
	breaker           *circuitbreaker.CircuitBreaker
	correctionTimeout time.Duration

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithOCR enables image input.
func WithOCR(o OCR) Option {
	return func(a *Analyzer) { a.ocr = o }
}

// WithCorrector enables text correction guarded by breaker. A nil breaker
// calls the corrector unguarded.
func WithCorrector(c Corrector, breaker *circuitbreaker.CircuitBreaker) Option {
	return func(a *Analyzer) {
		a.corrector = c
		a.breaker = breaker
	}
}

// WithCorrectionTimeout bounds each correction call.
func WithCorrectionTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.correctionTimeout = d
		}
	}
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *textnorm.Normalizer) Option {
	return func(a *Analyzer) { a.normalizer = n }
}

// WithExtractor replaces the default field extractor.
func WithExtractor(e *fields.Extractor) Option {
	return func(a *Analyzer) { a.extractor = e }
}

// WithLocator replaces the default section locator.
func WithLocator(l *section.Locator) Option {
	return func(a *Analyzer) { a.locator = l }
}

// WithSegmenter replaces the default segmenter.
func WithSegmenter(s *section.Segmenter) Option {
	return func(a *Analyzer) { a.segmenter = s }
}

// WithParser replaces the default medicine name parser.
func WithParser(p *medname.Parser) Option {
	return func(a *Analyzer) { a.parser = p }
}

// WithFormatter replaces the default formatter.
func WithFormatter(f *suggest.Formatter) Option {
	return func(a *Analyzer) { a.formatter = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records stage timings and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// New creates an Analyzer that matches against engine.
func New(engine *matching.Engine, opts ...Option) *Analyzer {
	a := &Analyzer{
		normalizer:        textnorm.New(),
		extractor:         fields.NewExtractor(),
		locator:           section.NewLocator(),
		segmenter:         section.NewSegmenter(),
		parser:            medname.NewParser(),
		engine:            engine,
		formatter:         suggest.NewFormatter(),
		correctionTimeout: DefaultCorrectionTimeout,
		logger:            zap.NewNop(),
		tracer:            otel.Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the whole pipeline. It fails only when no text is available
// (prescription.ErrNoTextAvailable) or ctx ends; every other problem is
// reported in the result notes.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (result *prescription.AnalysisResult, err error) {
	start := time.Now()
	done := a.metrics.TrackActive()
	defer done()

	ctx, span := a.tracer.Start(ctx, "pipeline.analyze",
		trace.WithAttributes(
			attribute.Bool("has_text", strings.TrimSpace(in.Text) != ""),
			attribute.Int("image_bytes", len(in.Image)),
		),
	)
	defer func() {
		outcome := outcomeOf(result, err)
		a.metrics.RecordAnalysis(outcome, time.Since(start))
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var notes []string

	raw, err := a.readText(ctx, in)
	if err != nil {
		return nil, err
	}

	raw, correctionNote, err := a.correct(ctx, raw)
	if err != nil {
		return nil, err
	}
	if correctionNote != "" {
		notes = append(notes, correctionNote)
	}

	t := time.Now()
	text := a.normalizer.Normalize(raw)
	a.metrics.ObserveStage("normalize", time.Since(t))
	if strings.TrimSpace(text) == "" {
		return nil, &prescription.StageError{Stage: "normalize", Err: prescription.ErrNoTextAvailable}
	}

	t = time.Now()
	patient, fieldNotes := a.extractor.Extract(text)
	notes = append(notes, fieldNotes...)
	a.metrics.ObserveStage("extract", time.Since(t))

	t = time.Now()
	lines := textnorm.Lines(text)
	r := a.locator.Locate(lines)
	if !r.Found {
		notes = append(notes, fmt.Sprintf("%v; scanned the whole text", prescription.ErrNoMedicineSectionFound))
	}
	candidates := a.segmenter.Segment(lines, r)
	a.metrics.ObserveStage("segment", time.Since(t))

	a.logger.Debug("medicine section located",
		zap.Bool("found", r.Found),
		zap.Int("start", r.Start),
		zap.Int("end", r.End),
		zap.Int("candidates", len(candidates)),
	)

	t = time.Now()
	resolutions, matchNotes, err := a.resolve(ctx, candidates)
	a.metrics.ObserveStage("match", time.Since(t))
	if err != nil {
		return nil, err
	}
	notes = append(notes, matchNotes...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = time.Now()
	out := a.formatter.Format(patient, resolutions, notes)
	a.metrics.ObserveStage("format", time.Since(t))

	a.logger.Info("prescription analysed",
		zap.Int("found", len(out.FoundMedicines)),
		zap.Int("not_found", len(out.NotFoundMedicines)),
		zap.Float64("confidence", out.Confidence),
		zap.Bool("requires_consultation", out.RequiresConsultation),
		zap.Int("notes", len(out.Notes)),
		zap.Duration("duration", time.Since(start)),
	)
	return &out, nil
}

func (a *Analyzer) readText(ctx context.Context, in Input) (string, error) {
	if text := strings.TrimSpace(in.Text); text != "" {
		return text, nil
	}
	if len(in.Image) == 0 {
		return "", &prescription.StageError{Stage: "input", Err: prescription.ErrNoTextAvailable}
	}
	if a.ocr == nil {
		return "", &prescription.StageError{Stage: "ocr", Err: fmt.Errorf("%w: no OCR collaborator configured", prescription.ErrNoTextAvailable)}
	}

	t := time.Now()
	text, err := a.ocr.ExtractText(ctx, in.Image, in.MIMEType)
	a.metrics.ObserveStage("ocr", time.Since(t))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		a.logger.Warn("ocr failed", zap.Error(err))
		return "", &prescription.StageError{Stage: "ocr", Err: fmt.Errorf("%w: %w", prescription.ErrNoTextAvailable, err)}
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", &prescription.StageError{Stage: "ocr", Err: prescription.ErrNoTextAvailable}
	}
	return text, nil
}

// CorrectionTimedOut reports a correction call that ran out of time.
// The correction breaker does not count these as failures.
func CorrectionTimedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// correct returns the corrected text, or raw plus a note when correction is
// unavailable. Only cancellation of ctx is returned as an error.
func (a *Analyzer) correct(ctx context.Context, raw string) (string, string, error) {
	if a.corrector == nil {
		return raw, "", nil
	}

	t := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.correctionTimeout)
	defer cancel()

	call := func(ctx context.Context) (string, error) { return a.corrector.Correct(ctx, raw) }
	var corrected string
	var err error
	if a.breaker != nil {
		corrected, err = circuitbreaker.Do(cctx, a.breaker, call)
	} else {
		corrected, err = call(cctx)
	}
	a.metrics.ObserveStage("correct", time.Since(t))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", "", ctxErr
		}
		reason := err.Error()
		switch {
		case circuitbreaker.IsOpen(err):
			reason = "paused after repeated failures"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timed out"
		case errors.Is(err, prescription.ErrQuotaExhausted):
			reason = "quota exhausted"
		}
		a.logger.Warn("text correction skipped", zap.String("reason", reason), zap.Error(err))
		return raw, fmt.Sprintf("%v (%s); using uncorrected text", prescription.ErrCorrectionUnavailable, reason), nil
	}
	if strings.TrimSpace(corrected) == "" {
		return raw, "", nil
	}
	return corrected, "", nil
}

// resolve parses and matches candidates in order. Products resolved for
// earlier entries are never suggested for later ones.
func (a *Analyzer) resolve(ctx context.Context, candidates []prescription.LineCandidate) ([]suggest.Resolution, []string, error) {
	var (
		out   []suggest.Resolution
		notes []string
	)
	found := make(map[string]struct{})

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entry := a.parser.Parse(c)
		if entry.GenericName == "" && entry.BrandName == "" {
			notes = append(notes, fmt.Sprintf("line %d: no medicine name recognised in %q", c.LineIndex+1, c.RawText))
			continue
		}

		res := suggest.Resolution{Entry: entry}
		match, err := a.engine.Resolve(ctx, entry, medname.SearchTerms(entry))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			notes = append(notes, fmt.Sprintf("%s: exact lookup skipped: %v", entry.DisplayName(), err))
		}
		if match != nil {
			res.Match = match
			found[match.ProductID] = struct{}{}
			out = append(out, res)
			continue
		}

		suggestions, tierNotes, err := a.engine.FindSimilar(ctx, entry, found)
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, tierNotes...)
		res.Suggestions = suggestions
		out = append(out, res)
	}
	return out, notes, nil
}

func outcomeOf(result *prescription.AnalysisResult, err error) string {
	switch {
	case errors.Is(err, prescription.ErrNoTextAvailable):
		return "no_text"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "error"
	case len(result.NotFoundMedicines) == 0 && len(result.FoundMedicines) > 0:
		return "matched"
	case len(result.FoundMedicines) > 0:
		return "partial"
	default:
		return "unmatched"
	}
}
