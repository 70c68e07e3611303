package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = string(value.([]byte))
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestProcessRunsOncePerKey(t *testing.T) {
	inbox := NewInbox(NewRedisStore(newFakeRedis(), ""), DefaultInboxConfig(), nil)
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"confidence":0.95}`), nil
	}

	first, err := inbox.Process(context.Background(), "a-1", fn)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := inbox.Process(context.Background(), "a-1", fn)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.JSONEq(t, `{"confidence":0.95}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessReleasesRetryableFailures(t *testing.T) {
	inbox := NewInbox(NewRedisStore(newFakeRedis(), ""), DefaultInboxConfig(), nil)

	_, err := inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("catalog timeout")
	})
	require.Error(t, err)

	res, err := inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestProcessRemembersTerminalFailures(t *testing.T) {
	terminal := errors.New("no text")
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, terminal) }
	inbox := NewInbox(NewRedisStore(newFakeRedis(), ""), cfg, nil)

	_, err := inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, terminal
	})
	assert.ErrorIs(t, err, terminal)

	_, err = inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessInProgressAndRecovery(t *testing.T) {
	kv := newFakeRedis()
	store := NewRedisStore(kv, "t:")
	inbox := NewInbox(store, InboxConfig{RecoveryTimeout: time.Minute}, nil)

	claimed, _, err := store.Claim(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	stale := Entry{Status: StatusStarted, UpdatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Put(context.Background(), "k", stale, time.Minute))

	res, err := inbox.Process(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestGenerateKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, GenerateKey("text", "abc"), GenerateKey("text", "abc"))
	assert.NotEqual(t, GenerateKey("text", "abc"), GenerateKey("text", "abd"))
	assert.Len(t, GenerateKey("x"), 64)
}
