package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentloom/agentloom/internal/usage/domain"
)

type stubRecorder struct {
	requests []domain.RecordUsageRequest
	err      error
	failures int
}

func (s *stubRecorder) RecordUsage(_ context.Context, req domain.RecordUsageRequest) (*domain.DailyUsage, error) {
	if s.err != nil && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	return &domain.DailyUsage{}, nil
}

func event(deploymentID string, latency float64, isError bool) Event {
	return Event{
		DeploymentID: deploymentID,
		UserID:       "202",
		Timestamp:    time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		InputTokens:  100,
		OutputTokens: 50,
		LatencyMs:    latency,
		IsError:      isError,
	}
}

func TestFlushAggregatesPerDeployment(t *testing.T) {
	recorder := &stubRecorder{}
	b := New(recorder, zap.NewNop())

	b.Add(context.Background(), event("501", 100, false))
	b.Add(context.Background(), event("501", 300, true))
	b.Add(context.Background(), event("502", 200, false))
	b.Flush(context.Background())

	require.Len(t, recorder.requests, 2)

	first := recorder.requests[0]
	assert.Equal(t, "501", first.DeploymentID)
	assert.Equal(t, int64(2), first.RequestCount)
	assert.Equal(t, int64(1), first.ErrorCount)
	assert.Equal(t, int64(200), first.InputTokens)
	assert.Equal(t, int64(100), first.OutputTokens)
	assert.InDelta(t, 200, first.LatencyMs, 0.001)

	second := recorder.requests[1]
	assert.Equal(t, "502", second.DeploymentID)
	assert.Equal(t, int64(1), second.RequestCount)

	assert.Zero(t, b.Len())
}

func TestReachingBatchSizeFlushesSynchronously(t *testing.T) {
	recorder := &stubRecorder{}
	b := New(recorder, zap.NewNop(), WithBatchSize(3))

	b.Add(context.Background(), event("501", 100, false))
	b.Add(context.Background(), event("501", 100, false))
	assert.Empty(t, recorder.requests)

	b.Add(context.Background(), event("501", 100, false))

	require.Len(t, recorder.requests, 1)
	assert.Equal(t, int64(3), recorder.requests[0].RequestCount)
	assert.Zero(t, b.Len())
}

func TestFailedFlushRequeuesEvents(t *testing.T) {
	recorder := &stubRecorder{err: errors.New("ingest unavailable"), failures: 1}
	b := New(recorder, zap.NewNop())

	b.Add(context.Background(), event("501", 100, false))
	b.Add(context.Background(), event("501", 200, false))
	b.Flush(context.Background())

	assert.Empty(t, recorder.requests)
	assert.Equal(t, 2, b.Len())

	b.Flush(context.Background())

	require.Len(t, recorder.requests, 1)
	assert.Equal(t, int64(2), recorder.requests[0].RequestCount)
	assert.InDelta(t, 150, recorder.requests[0].LatencyMs, 0.001)
	assert.Zero(t, b.Len())
}

func TestPartialFailureOnlyRequeuesFailedDeployment(t *testing.T) {
	recorder := &stubRecorder{err: errors.New("ingest unavailable"), failures: 1}
	b := New(recorder, zap.NewNop())

	b.Add(context.Background(), event("501", 100, false))
	b.Add(context.Background(), event("502", 200, false))
	b.Flush(context.Background())

	require.Len(t, recorder.requests, 1)
	assert.Equal(t, "502", recorder.requests[0].DeploymentID)
	assert.Equal(t, 1, b.Len())
}

func TestQueueCapDropsOldest(t *testing.T) {
	recorder := &stubRecorder{}
	b := New(recorder, zap.NewNop(), WithBatchSize(100), WithQueueCap(2))

	b.Add(context.Background(), event("501", 100, false))
	b.Add(context.Background(), event("502", 200, false))
	b.Add(context.Background(), event("503", 300, false))

	assert.Equal(t, 2, b.Len())

	b.Flush(context.Background())
	require.Len(t, recorder.requests, 2)
	assert.Equal(t, "502", recorder.requests[0].DeploymentID)
	assert.Equal(t, "503", recorder.requests[1].DeploymentID)
}

func TestLatestEventTimestampWins(t *testing.T) {
	recorder := &stubRecorder{}
	b := New(recorder, zap.NewNop())

	early := event("501", 100, false)
	late := event("501", 100, false)
	late.Timestamp = early.Timestamp.Add(time.Minute)

	b.Add(context.Background(), late)
	b.Add(context.Background(), early)
	b.Flush(context.Background())

	require.Len(t, recorder.requests, 1)
	assert.Equal(t, late.Timestamp, recorder.requests[0].Timestamp)
}
