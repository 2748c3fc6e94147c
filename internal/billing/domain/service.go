package domain

import (
	"context"
	"errors"
	"time"
)

// CurrentMonthSummary projects the running month linearly from the
// cost accrued so far.
type CurrentMonthSummary struct {
	Year          int     `json:"year"`
	Month         int     `json:"month"`
	ToDateCost    float64 `json:"toDateCost"`
	ProjectedCost float64 `json:"projectedCost"`
	TotalRequests int64   `json:"totalRequests"`
	TotalTokens   int64   `json:"totalTokens"`
}

// BillingSummary is the per-user billing dashboard payload.
type BillingSummary struct {
	UserID         string              `json:"userId"`
	CurrentMonth   CurrentMonthSummary `json:"currentMonth"`
	TopDeployments []DeploymentCost    `json:"topDeployments"`
	History        []*MonthlyBilling   `json:"history"`
}

// Service rolls daily usage up into monthly billing records.
type Service interface {
	// GenerateMonthlyBilling builds the record for one user and period.
	// Regeneration returns the existing record unchanged.
	GenerateMonthlyBilling(ctx context.Context, userID string, year int, month time.Month) (*MonthlyBilling, error)

	// ProcessMonthlyBilling generates records for every user with usage
	// in the previous calendar month. One user's failure does not stop
	// the batch; the count of successfully processed users is returned.
	ProcessMonthlyBilling(ctx context.Context) (int, error)

	GetBilling(ctx context.Context, userID string, year int, month time.Month) (*MonthlyBilling, error)
	GetUserBillingSummary(ctx context.Context, userID string) (*BillingSummary, error)

	// UpdateStatus advances a record along pending -> processed -> paid.
	UpdateStatus(ctx context.Context, id string, status Status) (*MonthlyBilling, error)
}

var (
	ErrBillingNotFound      = errors.New("billing_record_not_found")
	ErrInvalidBillingPeriod = errors.New("invalid_billing_period")
	ErrInvalidStatusChange  = errors.New("invalid_billing_status_change")
)
