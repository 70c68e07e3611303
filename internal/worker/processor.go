// Package worker turns queued analysis requests into result events.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/pipeline"
	"github.com/drfirst/go-rxscan/pkg/idempotency"
)

// ErrMalformedRequest marks a request that can never be processed.
var ErrMalformedRequest = errors.New("malformed analysis request")

// Analyzer runs one prescription analysis.
type Analyzer interface {
	Analyze(ctx context.Context, in pipeline.Input) (*prescription.AnalysisResult, error)
}

// Publisher writes events to a topic.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, ev *prescription.Event) error
}

// Processor handles one analysis request end to end.
type Processor struct {
	analyzer  Analyzer
	publisher Publisher
	inbox     *idempotency.Inbox
	topic     string
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Processor.
type Option func(*Processor)

// WithInbox deduplicates redelivered requests by analysis id.
func WithInbox(inbox *idempotency.Inbox) Option {
	return func(p *Processor) { p.inbox = inbox }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a processor publishing results to topic.
func NewProcessor(analyzer Analyzer, publisher Publisher, topic string, opts ...Option) *Processor {
	p := &Processor{
		analyzer:  analyzer,
		publisher: publisher,
		topic:     topic,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("analysis-worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decode parses and validates a request payload.
func Decode(payload []byte) (*prescription.AnalysisRequest, pipeline.Input, error) {
	var req prescription.AnalysisRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, pipeline.Input{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if strings.TrimSpace(req.AnalysisID) == "" {
		return nil, pipeline.Input{}, fmt.Errorf("%w: analysis_id is required", ErrMalformedRequest)
	}
	in := pipeline.Input{Text: req.Text, MIMEType: req.MIMEType}
	if req.ImageBase64 != "" {
		img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			return nil, pipeline.Input{}, fmt.Errorf("%w: image_base64: %v", ErrMalformedRequest, err)
		}
		in.Image = img
	}
	return &req, in, nil
}

// Handle processes one request payload. A nil error means a result event was
// published, now or on an earlier delivery.
func (p *Processor) Handle(ctx context.Context, payload []byte) error {
	req, in, err := Decode(payload)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "handle_analysis_request",
		trace.WithAttributes(attribute.String("analysis_id", req.AnalysisID)))
	defer span.End()

	run := func(ctx context.Context) (json.RawMessage, error) {
		ev, err := p.analyze(ctx, req, in)
		if err != nil {
			return nil, err
		}
		if err := p.publisher.PublishEvent(ctx, p.topic, ev); err != nil {
			return nil, err
		}
		return json.Marshal(ev)
	}

	if p.inbox == nil {
		_, err := run(ctx)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}

	res, err := p.inbox.Process(ctx, idempotency.GenerateKey("analysis", req.AnalysisID), run)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.Duplicate {
		p.logger.Info("duplicate analysis request skipped", zap.String("analysis_id", req.AnalysisID))
	}
	return nil
}

// analyze runs the pipeline and builds the result event. Unreadable input is
// a result, not an error.
func (p *Processor) analyze(ctx context.Context, req *prescription.AnalysisRequest, in pipeline.Input) (*prescription.Event, error) {
	start := time.Now()
	result, err := p.analyzer.Analyze(ctx, in)
	switch {
	case errors.Is(err, prescription.ErrNoTextAvailable):
		p.logger.Info("analysis produced no text", zap.String("analysis_id", req.AnalysisID), zap.Error(err))
		return newEvent(req, prescription.EventAnalysisFailed, prescription.AnalysisFailedData{
			AnalysisID: req.AnalysisID,
			Reason:     err.Error(),
		})
	case err != nil:
		return nil, err
	}

	p.logger.Info("analysis completed",
		zap.String("analysis_id", req.AnalysisID),
		zap.Int("found", len(result.FoundMedicines)),
		zap.Int("not_found", len(result.NotFoundMedicines)),
		zap.Duration("duration", time.Since(start)),
	)
	return newEvent(req, prescription.EventAnalysisCompleted, prescription.AnalysisCompletedData{
		AnalysisID: req.AnalysisID,
		Result:     result,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// Fail publishes a retryable AnalysisFailed event for a request that is being
// dead-lettered. Payloads without an analysis id are skipped.
func (p *Processor) Fail(ctx context.Context, payload []byte, cause error) error {
	var req prescription.AnalysisRequest
	if json.Unmarshal(payload, &req) != nil || req.AnalysisID == "" {
		return nil
	}
	ev, err := newEvent(&req, prescription.EventAnalysisFailed, prescription.AnalysisFailedData{
		AnalysisID: req.AnalysisID,
		Reason:     cause.Error(),
		Retryable:  Retryable(cause),
	})
	if err != nil {
		return err
	}
	return p.publisher.PublishEvent(ctx, p.topic, ev)
}

// Retryable reports whether a Handle error may succeed on another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, idempotency.ErrPreviouslyFailed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func newEvent(req *prescription.AnalysisRequest, t prescription.EventType, data interface{}) (*prescription.Event, error) {
	ev, err := prescription.NewEvent(req.AnalysisID, t, data)
	if err != nil {
		return nil, fmt.Errorf("build %s event: %w", t, err)
	}
	return ev.WithCorrelation(req.CorrelationID), nil
}
