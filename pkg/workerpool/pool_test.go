package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, task *Task) *Result {
	return &Result{Success: true, Data: task.Payload}
}

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 64}, echo, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("t-%d", i)
			res, err := p.SubmitWait(context.Background(), &Task{ID: id, Payload: i})
			assert.NoError(t, err)
			assert.Equal(t, id, res.TaskID)
			assert.Equal(t, i, res.Data)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(32), stats.TasksSubmitted)
	assert.Equal(t, int64(32), stats.TasksCompleted)
}

func TestRetriesOnlyRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	p, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			n := calls.Add(1)
			if task.ID == "flaky" && n < 3 {
				return &Result{Error: errors.New("broker unavailable"), Retryable: true}
			}
			if task.ID == "bad" {
				return &Result{Error: errors.New("malformed request")}
			}
			return &Result{Success: true}
		}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "flaky"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)

	calls.Store(0)
	res, err = p.SubmitWait(context.Background(), &Task{ID: "bad"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, echo, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.ErrorIs(t, p.Submit(&Task{ID: "late"}), ErrPoolClosed)
}

func TestQueueFull(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, echo, nil)
	require.NoError(t, err)

	require.NoError(t, p.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "b"}), ErrQueueFull)
	assert.False(t, p.IsHealthy())

	p.Start()
	res := <-p.Results()
	assert.Equal(t, "a", res.TaskID)
	require.NoError(t, p.Stop())
}

func TestPanicBecomesFailure(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		panic("nil catalog")
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "p"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error.Error(), "nil catalog")
}

func TestTaskTimeout(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1, TaskTimeout: 10 * time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			<-ctx.Done()
			return &Result{Error: ctx.Err()}
		}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "slow"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Error, context.DeadlineExceeded)
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
