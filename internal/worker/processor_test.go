package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/pipeline"
	"github.com/drfirst/go-rxscan/pkg/idempotency"
)

type analyzerFunc func(ctx context.Context, in pipeline.Input) (*prescription.AnalysisResult, error)

func (f analyzerFunc) Analyze(ctx context.Context, in pipeline.Input) (*prescription.AnalysisResult, error) {
	return f(ctx, in)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*prescription.Event
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, ev *prescription.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]idempotency.Entry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]idempotency.Entry)} }

func (s *memStore) Claim(_ context.Context, key string, _ time.Duration) (bool, *idempotency.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return false, &e, nil
	}
	s.entries[key] = idempotency.Entry{Status: idempotency.StatusStarted, UpdatedAt: time.Now()}
	return true, nil, nil
}

func (s *memStore) Put(_ context.Context, key string, e idempotency.Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *memStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func okAnalyzer(calls *int) Analyzer {
	return analyzerFunc(func(_ context.Context, in pipeline.Input) (*prescription.AnalysisResult, error) {
		*calls++
		return &prescription.AnalysisResult{Confidence: 0.9}, nil
	})
}

func TestHandlePublishesCompletedEvent(t *testing.T) {
	calls := 0
	pub := &recordingPublisher{}
	p := NewProcessor(okAnalyzer(&calls), pub, "results")

	err := p.Handle(context.Background(), []byte(`{"analysis_id":"a-1","text":"Dopagan 500mg","correlation_id":"req-1"}`))
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	ev := pub.events[0]
	assert.Equal(t, prescription.EventAnalysisCompleted, ev.EventType)
	assert.Equal(t, "a-1", ev.AnalysisID)
	assert.Equal(t, "req-1", ev.CorrelationID)

	var data prescription.AnalysisCompletedData
	require.NoError(t, ev.DecodeData(&data))
	assert.Equal(t, 0.9, data.Result.Confidence)
}

func TestHandleReportsUnreadableInputAsFailedEvent(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProcessor(analyzerFunc(func(context.Context, pipeline.Input) (*prescription.AnalysisResult, error) {
		return nil, &prescription.StageError{Stage: "ocr", Err: prescription.ErrNoTextAvailable}
	}), pub, "results")

	require.NoError(t, p.Handle(context.Background(), []byte(`{"analysis_id":"a-2","text":" "}`)))
	require.Len(t, pub.events, 1)
	assert.Equal(t, prescription.EventAnalysisFailed, pub.events[0].EventType)

	var data prescription.AnalysisFailedData
	require.NoError(t, pub.events[0].DecodeData(&data))
	assert.False(t, data.Retryable)
}

func TestHandleRejectsMalformedPayloads(t *testing.T) {
	calls := 0
	p := NewProcessor(okAnalyzer(&calls), &recordingPublisher{}, "results")

	for _, payload := range []string{`not json`, `{"text":"x"}`, `{"analysis_id":"a","image_base64":"%%%"}`} {
		err := p.Handle(context.Background(), []byte(payload))
		assert.ErrorIs(t, err, ErrMalformedRequest, payload)
		assert.False(t, Retryable(err))
	}
	assert.Zero(t, calls)
}

func TestDecodeImage(t *testing.T) {
	payload := fmt.Sprintf(`{"analysis_id":"a","image_base64":%q,"mime_type":"image/png"}`,
		base64.StdEncoding.EncodeToString([]byte("png")))
	req, in, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "a", req.AnalysisID)
	assert.Equal(t, []byte("png"), in.Image)
	assert.Equal(t, "image/png", in.MIMEType)
}

func TestHandleSkipsDuplicatesWithInbox(t *testing.T) {
	calls := 0
	pub := &recordingPublisher{}
	inbox := idempotency.NewInbox(newMemStore(), idempotency.DefaultInboxConfig(), nil)
	p := NewProcessor(okAnalyzer(&calls), pub, "results", WithInbox(inbox))

	payload := []byte(`{"analysis_id":"a-3","text":"Dopagan"}`)
	require.NoError(t, p.Handle(context.Background(), payload))
	require.NoError(t, p.Handle(context.Background(), payload))

	assert.Equal(t, 1, calls)
	assert.Len(t, pub.events, 1)
}

func TestHandlePublishFailureIsRetryable(t *testing.T) {
	calls := 0
	store := newMemStore()
	pub := &recordingPublisher{err: errors.New("broker down")}
	inbox := idempotency.NewInbox(store, idempotency.DefaultInboxConfig(), nil)
	p := NewProcessor(okAnalyzer(&calls), pub, "results", WithInbox(inbox))

	payload := []byte(`{"analysis_id":"a-4","text":"Dopagan"}`)
	err := p.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Empty(t, store.entries, "failed key is released for redelivery")

	pub.err = nil
	require.NoError(t, p.Handle(context.Background(), payload))
	assert.Equal(t, 2, calls)
}

func TestFailPublishesRetryableEvent(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProcessor(nil, pub, "results")

	require.NoError(t, p.Fail(context.Background(), []byte(`{"analysis_id":"a-5"}`), context.DeadlineExceeded))
	require.NoError(t, p.Fail(context.Background(), []byte(`garbage`), ErrMalformedRequest))
	require.Len(t, pub.events, 1)

	var data prescription.AnalysisFailedData
	require.NoError(t, pub.events[0].DecodeData(&data))
	assert.Equal(t, "a-5", data.AnalysisID)
	assert.True(t, data.Retryable)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(fmt.Errorf("x: %w", idempotency.ErrPreviouslyFailed)))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(idempotency.ErrMessageInProgress))
	assert.True(t, Retryable(prescription.ErrCatalogUnavailable))
}
