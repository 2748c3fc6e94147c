// Package batch provides the client-side usage batcher: events queue
// in memory and flush to the aggregator as one pre-aggregated request
// per deployment.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/internal/usage/domain"
)

// Event is one client-observed request before batching.
type Event struct {
	DeploymentID string
	UserID       string
	Timestamp    time.Time

	InputTokens  int64
	OutputTokens int64
	LatencyMs    float64
	ComputeMs    int64
	IsError      bool
}

// Recorder is the ingest surface the batcher flushes into.
type Recorder interface {
	RecordUsage(ctx context.Context, req domain.RecordUsageRequest) (*domain.DailyUsage, error)
}

const (
	defaultBatchSize     = 20
	defaultFlushInterval = 10 * time.Second
	defaultQueueCap      = 1000
)

type Option func(*Batcher)

func WithBatchSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithQueueCap(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// Batcher queues events and flushes them by size or by interval.
type Batcher struct {
	recorder  Recorder
	log       *zap.Logger
	batchSize int
	interval  time.Duration
	queueCap  int

	mu      sync.Mutex
	pending []Event
}

func New(recorder Recorder, log *zap.Logger, opts ...Option) *Batcher {
	b := &Batcher{
		recorder:  recorder,
		log:       log.Named("usage.batch"),
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
		queueCap:  defaultQueueCap,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add queues one event. Reaching the batch size triggers a synchronous
// flush. A full queue evicts the oldest event so ingest stays bounded.
func (b *Batcher) Add(ctx context.Context, event Event) {
	b.mu.Lock()
	if len(b.pending) >= b.queueCap {
		b.pending = b.pending[1:]
		b.log.Warn("usage queue full, oldest event dropped",
			zap.String("deployment_id", event.DeploymentID),
		)
	}
	b.pending = append(b.pending, event)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(ctx)
	}
}

// Flush drains the queue as one aggregated request per deployment. A
// deployment whose flush fails gets its events requeued at the front,
// preserving order for the next attempt.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	groups := make(map[string][]Event)
	order := make([]string, 0)
	for _, event := range events {
		if _, seen := groups[event.DeploymentID]; !seen {
			order = append(order, event.DeploymentID)
		}
		groups[event.DeploymentID] = append(groups[event.DeploymentID], event)
	}

	var failed []Event
	for _, deploymentID := range order {
		group := groups[deploymentID]
		if _, err := b.recorder.RecordUsage(ctx, aggregate(group)); err != nil {
			b.log.Warn("usage flush failed, events requeued",
				zap.String("deployment_id", deploymentID),
				zap.Int("events", len(group)),
				zap.Error(err),
			)
			failed = append(failed, group...)
		}
	}

	if len(failed) > 0 {
		b.mu.Lock()
		b.pending = append(failed, b.pending...)
		if len(b.pending) > b.queueCap {
			b.pending = b.pending[len(b.pending)-b.queueCap:]
		}
		b.mu.Unlock()
	}
}

// Run flushes on the configured interval until the context ends, then
// drains once more.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Len reports the queued event count.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// aggregate folds one deployment's events into a single request:
// tokens and compute sum, latency averages, errors count.
func aggregate(events []Event) domain.RecordUsageRequest {
	req := domain.RecordUsageRequest{
		DeploymentID: events[0].DeploymentID,
		UserID:       events[0].UserID,
		Timestamp:    events[0].Timestamp,
		RequestCount: int64(len(events)),
	}

	var latencySum float64
	for _, event := range events {
		req.InputTokens += event.InputTokens
		req.OutputTokens += event.OutputTokens
		req.ComputeMs += event.ComputeMs
		latencySum += event.LatencyMs
		if event.IsError {
			req.ErrorCount++
		}
		if event.Timestamp.After(req.Timestamp) {
			req.Timestamp = event.Timestamp
		}
	}
	req.LatencyMs = latencySum / float64(len(events))
	return req
}
