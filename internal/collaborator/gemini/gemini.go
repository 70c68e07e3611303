// Package gemini implements the OCR and text-correction collaborators on the
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

const ocrInstruction = `You transcribe photographed medical prescriptions.
Return the text exactly as printed or handwritten, line by line, in reading order.
Keep Vietnamese diacritics, numbering, strengths and units as written.
Do not translate, summarise, reorder or add anything. Output plain text only.`

const correctionInstruction = `You fix OCR mistakes in prescription text.
Correct misread characters, missing Vietnamese diacritics and broken medicine names.
Keep every line, the line order, numbering, strengths and units.
Never add, remove or reorder medicines. Output the corrected plain text only.`

// Config holds Gemini client configuration
type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns defaults for the flash model
func DefaultConfig() Config {
	return Config{
		Model:      "gemini-1.5-flash",
		MaxRetries: 2,
		RetryDelay: 300 * time.Millisecond,
	}
}

// Client is both the OCR and the correction collaborator.
type Client struct {
	client *genai.Client
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a Gemini client
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	if cfg.Model = strings.TrimSpace(cfg.Model); cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Client{
		client: cl,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("gemini"),
	}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.client.Close()
}

// ExtractText transcribes a prescription photo.
func (c *Client) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("gemini ocr: empty image")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	text, err := c.generate(ctx, "ocr", ocrInstruction,
		genai.Text("Transcribe this prescription."),
		genai.Blob{MIMEType: mimeType, Data: image},
	)
	if err != nil {
		return "", fmt.Errorf("gemini ocr: %w", err)
	}
	return text, nil
}

// Correct repairs OCR mistakes. Answers that change the text's size too much
// are rejected, since the model then rewrote rather than corrected it.
func (c *Client) Correct(ctx context.Context, text string) (string, error) {
	out, err := c.generate(ctx, "correct", correctionInstruction, genai.Text(text))
	if err != nil {
		return "", fmt.Errorf("gemini correct: %w", err)
	}
	if !plausibleCorrection(text, out) {
		return "", fmt.Errorf("gemini correct: %w: answer differs too much from input", prescription.ErrCorrectionUnavailable)
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, op, instruction string, parts ...genai.Part) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gemini."+op,
		trace.WithAttributes(attribute.String("model", c.cfg.Model)))
	defer span.End()

	m := c.client.GenerativeModel(c.cfg.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0),
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err == nil {
			txt := stripCodeFences(firstText(resp))
			if txt == "" {
				return "", errors.New("empty response")
			}
			return txt, nil
		}

		lastErr = classify(err)
		span.RecordError(lastErr)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
			// the transport may report the deadline as its own status
			return "", fmt.Errorf("%w: %w", ctxErr, lastErr)
		}
		if ctx.Err() != nil || errors.Is(lastErr, prescription.ErrQuotaExhausted) || !transient(err) {
			return "", lastErr
		}
		c.logger.Warn("gemini call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * c.cfg.RetryDelay):
		}
	}
	return "", lastErr
}

// classify maps quota errors from either the REST or the gRPC transport to
// prescription.ErrQuotaExhausted.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", prescription.ErrQuotaExhausted, err)
	}
	if status.Code(err) == codes.ResourceExhausted {
		return fmt.Errorf("%w: %w", prescription.ErrQuotaExhausted, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota") {
		return fmt.Errorf("%w: %w", prescription.ErrQuotaExhausted, err)
	}
	return err
}

func transient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusInternalServerError
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return true
	}
	return false
}

func plausibleCorrection(in, out string) bool {
	a, b := utf8.RuneCountInString(in), utf8.RuneCountInString(out)
	if a == 0 {
		return b == 0
	}
	ratio := float64(b) / float64(a)
	return ratio >= 0.6 && ratio <= 1.5
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func ptrFloat32(v float32) *float32 { return &v }
