// Package handlers provides HTTP handlers for the analysis API.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/api/middleware"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/pipeline"
)

// StatusClientClosedRequest is reported when the caller went away mid-analysis.
const StatusClientClosedRequest = 499

// DefaultMaxBodyBytes bounds a request body when no limit is configured.
const DefaultMaxBodyBytes int64 = 12 << 20

// Analyzer runs one prescription analysis.
type Analyzer interface {
	Analyze(ctx context.Context, in pipeline.Input) (*prescription.AnalysisResult, error)
}

// Submitter queues a request for asynchronous analysis.
type Submitter interface {
	SubmitRequest(ctx context.Context, req *prescription.AnalysisRequest) error
}

// AnalysisHandler handles analysis endpoints
type AnalysisHandler struct {
	analyzer     Analyzer
	submitter    Submitter
	maxBodyBytes int64
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewAnalysisHandler creates a new handler
func NewAnalysisHandler(analyzer Analyzer, maxBodyBytes int64, logger *zap.Logger) *AnalysisHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &AnalysisHandler{
		analyzer:     analyzer,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
		tracer:       otel.Tracer("analysis-handler"),
	}
}

// WithSubmitter enables POST /async.
func (h *AnalysisHandler) WithSubmitter(s Submitter) *AnalysisHandler {
	h.submitter = s
	return h
}

// Routes returns the handler routes
func (h *AnalysisHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	if h.submitter != nil {
		r.Post("/async", h.Submit)
	}
	return r
}

// AnalyzeRequest is the request body for an analysis. Text wins over the
// image when both are present.
type AnalyzeRequest struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// Input decodes the request into pipeline input.
func (req AnalyzeRequest) Input() (pipeline.Input, error) {
	in := pipeline.Input{Text: req.Text, MIMEType: req.MIMEType}
	if encoded := strings.TrimSpace(req.ImageBase64); encoded != "" {
		// data URLs are accepted as-is
		if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
			if in.MIMEType == "" {
				in.MIMEType = encoded[len("data:"):i]
			}
			encoded = encoded[i+len(";base64,"):]
		}
		img, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return pipeline.Input{}, errors.New("image_base64 is not valid base64")
		}
		in.Image = img
	}
	return in, nil
}

// AnalyzeResponse is the response for a finished analysis
type AnalyzeResponse struct {
	AnalysisID string                       `json:"analysis_id"`
	Result     *prescription.AnalysisResult `json:"result"`
	DurationMS int64                        `json:"duration_ms"`
}

// decode reads a bounded request body. On failure the error response has
// already been written.
func (h *AnalysisHandler) decode(w http.ResponseWriter, r *http.Request) (AnalyzeRequest, pipeline.Input, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return req, pipeline.Input{}, false
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, pipeline.Input{}, false
	}

	in, err := req.Input()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return req, pipeline.Input{}, false
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Image) == 0 {
		jsonError(w, "text or image_base64 is required", http.StatusBadRequest)
		return req, pipeline.Input{}, false
	}
	return req, in, true
}

// Create handles POST /analyses
func (h *AnalysisHandler) Create(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "create_analysis")
	defer span.End()

	_, in, ok := h.decode(w, r)
	if !ok {
		return
	}

	analysisID := uuid.New().String()
	span.SetAttributes(attribute.String("analysis_id", analysisID))

	result, err := h.analyzer.Analyze(ctx, in)
	if err != nil {
		code, msg := statusFor(err)
		span.RecordError(err)
		h.logger.Warn("analysis failed",
			zap.String("analysis_id", analysisID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Int("status", code),
			zap.Error(err),
		)
		jsonError(w, msg, code)
		return
	}

	h.logger.Info("analysis completed",
		zap.String("analysis_id", analysisID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("found", len(result.FoundMedicines)),
		zap.Int("not_found", len(result.NotFoundMedicines)),
	)

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		AnalysisID: analysisID,
		Result:     result,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// SubmitResponse acknowledges a queued analysis
type SubmitResponse struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
}

// Submit handles POST /analyses/async
func (h *AnalysisHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_analysis")
	defer span.End()

	req, in, ok := h.decode(w, r)
	if !ok {
		return
	}

	msg := &prescription.AnalysisRequest{
		AnalysisID:    uuid.New().String(),
		Text:          req.Text,
		MIMEType:      in.MIMEType,
		RequestedBy:   middleware.GetClientID(ctx),
		CorrelationID: middleware.GetRequestID(ctx),
	}
	if len(in.Image) > 0 {
		msg.ImageBase64 = base64.StdEncoding.EncodeToString(in.Image)
	}
	span.SetAttributes(attribute.String("analysis_id", msg.AnalysisID))

	if err := h.submitter.SubmitRequest(ctx, msg); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to queue analysis", zap.String("analysis_id", msg.AnalysisID), zap.Error(err))
		jsonError(w, "failed to queue analysis", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("analysis queued", zap.String("analysis_id", msg.AnalysisID))
	writeJSON(w, http.StatusAccepted, SubmitResponse{AnalysisID: msg.AnalysisID, Status: "queued"})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, prescription.ErrNoTextAvailable):
		return http.StatusUnprocessableEntity, "no prescription text could be read"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "analysis timed out"
	default:
		return http.StatusInternalServerError, "analysis failed"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
