// Package idempotency provides the Inbox pattern so a redelivered analysis
// request is answered from its stored result instead of being analysed again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// Entry is the stored state of one idempotency key
type Entry struct {
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists entries. Claim must be atomic: of two concurrent claims for
// one key exactly one succeeds.
type Store interface {
	// Claim stores a STARTED entry unless one exists, in which case it returns
	// the existing entry and false.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Entry, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long finished and failed entries are remembered
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal reports failures that must not be retried
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrMessageInProgress indicates another worker holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn once per key. A finished key returns the stored result.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	claimed, existing, err := i.store.Claim(ctx, key, i.config.RecoveryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to claim inbox key: %w", err)
	}

	recovered := false
	if !claimed {
		switch existing.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: existing.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, existing.Error)
		default:
			if time.Since(existing.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			i.logger.Warn("recovering abandoned inbox entry", zap.String("key", key))
			started := Entry{Status: StatusStarted, UpdatedAt: time.Now().UTC()}
			if err := i.store.Put(ctx, key, started, i.config.RecoveryTimeout); err != nil {
				return nil, fmt.Errorf("failed to recover inbox key: %w", err)
			}
			recovered = true
		}
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		if i.config.IsTerminal != nil && i.config.IsTerminal(handlerErr) {
			failed := Entry{Status: StatusFailed, Error: handlerErr.Error(), UpdatedAt: time.Now().UTC()}
			if err := i.store.Put(ctx, key, failed, i.config.TTL); err != nil {
				i.logger.Error("failed to mark inbox entry failed", zap.Error(err))
			}
		} else if err := i.store.Release(ctx, key); err != nil {
			i.logger.Error("failed to release inbox key", zap.Error(err))
		}
		return nil, handlerErr
	}

	finished := Entry{Status: StatusFinished, Result: result, UpdatedAt: time.Now().UTC()}
	if err := i.store.Put(ctx, key, finished, i.config.TTL); err != nil {
		// the handler succeeded; a redelivery would only repeat the work
		i.logger.Error("failed to mark inbox entry finished", zap.Error(err))
	}

	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// GenerateKey derives a deterministic key from request content
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
