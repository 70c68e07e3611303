package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := FromConfig("analysis-api", config.TracingConfig{Enabled: false, SampleRate: 1})
	assert.Equal(t, "analysis-api", cfg.ServiceName)

	p, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSamplerByRate(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
