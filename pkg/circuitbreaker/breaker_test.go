package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errQuota = errors.New("quota exhausted")

func quotaConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.TripOn = func(err error) bool { return errors.Is(err, errQuota) }
	return cfg
}

func TestTripOnOpensImmediately(t *testing.T) {
	cb, err := New(quotaConfig("correction"), nil)
	require.NoError(t, err)

	_, err = Do(context.Background(), cb, func(context.Context) (string, error) { return "", errQuota })
	assert.ErrorIs(t, err, errQuota)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.OpenedAt().IsZero())

	calls := 0
	_, err = Do(context.Background(), cb, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	assert.True(t, IsOpen(err))
	assert.Zero(t, calls, "open breaker must not call through")
}

func TestOrdinaryFailuresUseThreshold(t *testing.T) {
	cfg := quotaConfig("correction")
	cfg.FailureThreshold = 3
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, boom })
	}
	assert.Equal(t, StateClosed, cb.GetState())

	_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, boom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCancellationIsNotAFailure(t *testing.T) {
	cfg := quotaConfig("correction")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestIgnoredErrorsDoNotOpen(t *testing.T) {
	cfg := quotaConfig("correction")
	cfg.FailureThreshold = 2
	cfg.IgnoreErr = func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, context.DeadlineExceeded })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, boom })
	}
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCooldownMovesToHalfOpen(t *testing.T) {
	cfg := quotaConfig("correction")
	cfg.Timeout = 20 * time.Millisecond
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errQuota })
	require.Equal(t, StateOpen, cb.GetState())

	assert.Eventually(t, func() bool { return cb.GetState() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	v, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestResetAndStateListener(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	cfg := quotaConfig("correction")
	cfg.OnStateChange = func(_ string, _, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errQuota })
	cb.Reset()

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.Counts().Requests)
	assert.True(t, cb.OpenedAt().IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestManager(t *testing.T) {
	m := NewManager(nil)
	b, err := m.GetOrCreate("ocr", DefaultConfig(""))
	require.NoError(t, err)
	again, err := m.GetOrCreate("ocr", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, b, again)
	assert.Equal(t, "ocr", b.Name())

	c, err := m.GetOrCreate("correction", quotaConfig(""))
	require.NoError(t, err)
	_, _ = Do(context.Background(), c, func(context.Context) (int, error) { return 0, errQuota })

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "correction", statuses[0].Name)
	assert.Equal(t, StateOpen, statuses[0].State)
	assert.False(t, statuses[0].Healthy)
	assert.NotNil(t, statuses[0].OpenedAt)
	assert.Equal(t, "ocr", statuses[1].Name)
	assert.True(t, statuses[1].Healthy)

	require.NoError(t, m.Reset("correction"))
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, m.Reset("missing"), ErrUnknownBreaker)
}

func TestStateValue(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Value())
	assert.Equal(t, 1.0, StateHalfOpen.Value())
	assert.Equal(t, 2.0, StateOpen.Value())
}
