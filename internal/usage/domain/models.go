// Package domain contains the daily usage aggregate and the usage
// service interface.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DailyUsage is the per-deployment, per-day usage aggregate. One row
// exists per (deployment, date); concurrent recorders land on the same
// row under a row lock.
type DailyUsage struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	DeploymentID snowflake.ID `gorm:"not null;uniqueIndex:idx_daily_usage_deployment_date" json:"deploymentId"`
	UserID       snowflake.ID `gorm:"not null;index" json:"userId"`
	UsageDate    time.Time    `gorm:"type:date;not null;uniqueIndex:idx_daily_usage_deployment_date" json:"usageDate"`

	RequestCount int64 `gorm:"not null;default:0" json:"requestCount"`
	ErrorCount   int64 `gorm:"not null;default:0" json:"errorCount"`

	InputTokens  int64 `gorm:"not null;default:0" json:"inputTokens"`
	OutputTokens int64 `gorm:"not null;default:0" json:"outputTokens"`
	TotalTokens  int64 `gorm:"not null;default:0" json:"totalTokens"`

	AvgLatencyMs float64 `gorm:"not null;default:0" json:"avgLatencyMs"`
	MinLatencyMs float64 `gorm:"not null;default:0" json:"minLatencyMs"`
	MaxLatencyMs float64 `gorm:"not null;default:0" json:"maxLatencyMs"`
	// Percentiles need the raw sample distribution, which the aggregate
	// does not retain. The columns are kept for the API shape and stay
	// zero.
	P95LatencyMs float64 `gorm:"not null;default:0" json:"p95LatencyMs"`
	P99LatencyMs float64 `gorm:"not null;default:0" json:"p99LatencyMs"`

	ComputeMs   int64   `gorm:"not null;default:0" json:"computeMs"`
	ComputeCost float64 `gorm:"not null;default:0" json:"computeCost"`
	TokenCost   float64 `gorm:"not null;default:0" json:"tokenCost"`
	Cost        float64 `gorm:"not null;default:0" json:"cost"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (DailyUsage) TableName() string { return "daily_usage" }

// TokenCount is the nested token shape exposed by the API.
type TokenCount struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Latency is the nested latency shape exposed by the API.
type Latency struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Cost is the nested cost shape exposed by the API: compute and token
// portions plus their total, each a monotonic counter.
type Cost struct {
	Compute float64 `json:"compute"`
	Tokens  float64 `json:"tokens"`
	Total   float64 `json:"total"`
}

// UsageResponse is the API projection of one daily aggregate.
type UsageResponse struct {
	DeploymentID string     `json:"deploymentId"`
	Date         string     `json:"date"`
	RequestCount int64      `json:"requestCount"`
	ErrorCount   int64      `json:"errorCount"`
	TokenCount   TokenCount `json:"tokenCount"`
	Latency      Latency    `json:"latency"`
	ComputeMs    int64      `json:"computeMs"`
	Cost         Cost       `json:"cost"`
}

// Response converts the aggregate row to its API shape.
func (u *DailyUsage) Response() UsageResponse {
	return UsageResponse{
		DeploymentID: u.DeploymentID.String(),
		Date:         u.UsageDate.Format("2006-01-02"),
		RequestCount: u.RequestCount,
		ErrorCount:   u.ErrorCount,
		TokenCount: TokenCount{
			Input:  u.InputTokens,
			Output: u.OutputTokens,
			Total:  u.TotalTokens,
		},
		Latency: Latency{
			Avg: u.AvgLatencyMs,
			Min: u.MinLatencyMs,
			Max: u.MaxLatencyMs,
			P95: u.P95LatencyMs,
			P99: u.P99LatencyMs,
		},
		ComputeMs: u.ComputeMs,
		Cost: Cost{
			Compute: u.ComputeCost,
			Tokens:  u.TokenCost,
			Total:   u.Cost,
		},
	}
}
