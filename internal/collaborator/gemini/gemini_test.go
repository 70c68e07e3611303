package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
)

func TestClassifyQuota(t *testing.T) {
	rest := &googleapi.Error{Code: http.StatusTooManyRequests, Message: "slow down"}
	assert.ErrorIs(t, classify(rest), prescription.ErrQuotaExhausted)

	grpcErr := status.Error(codes.ResourceExhausted, "quota")
	assert.ErrorIs(t, classify(grpcErr), prescription.ErrQuotaExhausted)

	wrapped := fmt.Errorf("generate: %w", errors.New("googleapi: Error 429: Resource has been exhausted"))
	assert.ErrorIs(t, classify(wrapped), prescription.ErrQuotaExhausted)

	other := errors.New("permission denied")
	assert.Equal(t, other, classify(other))
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(&googleapi.Error{Code: http.StatusBadGateway}))
	assert.False(t, transient(&googleapi.Error{Code: http.StatusBadRequest}))
	assert.True(t, transient(status.Error(codes.Unavailable, "down")))
	assert.False(t, transient(status.Error(codes.InvalidArgument, "bad")))
}

func TestPlausibleCorrection(t *testing.T) {
	assert.True(t, plausibleCorrection("1) Paracetamo1 500mg", "1) Paracetamol 500mg"))
	assert.False(t, plausibleCorrection("1) Paracetamol 500mg", "Here is the corrected prescription text for you: 1) Paracetamol 500mg"))
	assert.False(t, plausibleCorrection("1) Paracetamol 500mg", "ok"))
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, "line 1\nline 2", stripCodeFences("```text\nline 1\nline 2\n```"))
	assert.Equal(t, "plain", stripCodeFences("  plain "))
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
