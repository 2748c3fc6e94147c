package domain

import (
	"context"
	"errors"
	"time"
)

// RecordUsageRequest is one usage event (or one client-side batch
// flattened into a single event) for a deployment.
type RecordUsageRequest struct {
	DeploymentID string    `json:"deployment_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`

	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	LatencyMs    float64 `json:"latency_ms"`
	ComputeMs    int64   `json:"compute_ms"`
	IsError      bool    `json:"is_error"`

	// RequestCount lets a pre-aggregated client batch count as more than
	// one request. Zero means one.
	RequestCount int64 `json:"request_count"`
	// ErrorCount overrides IsError for pre-aggregated batches.
	ErrorCount int64 `json:"error_count"`
}

// GetUsageRequest selects daily aggregates for one deployment.
type GetUsageRequest struct {
	DeploymentID string    `json:"deployment_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

// Service aggregates usage events into daily rows and accrues cost
// onto the owning deployment.
type Service interface {
	// RecordUsage folds one event into the (deployment, date) aggregate.
	// The fold is atomic under concurrent recorders.
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*DailyUsage, error)

	GetDailyUsage(ctx context.Context, req GetUsageRequest) ([]*DailyUsage, error)

	// MonthlyUsage returns the aggregates of one user for one calendar
	// month, grouped by deployment.
	MonthlyUsage(ctx context.Context, userID string, year int, month time.Month) (map[string][]*DailyUsage, error)
}

var ErrInvalidUsageEvent = errors.New("invalid_usage_event")
