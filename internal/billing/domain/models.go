// Package domain contains the monthly billing record and the roll-up
// service interface.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle of one billing record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusPaid      Status = "paid"
)

// DeploymentCost is one deployment's line item inside a monthly
// record. The name is resolved at generation time so the line survives
// later deletion of the deployment.
type DeploymentCost struct {
	DeploymentID   string  `json:"deploymentId"`
	DeploymentName string  `json:"deploymentName"`
	RequestCount   int64   `json:"requestCount"`
	TotalTokens    int64   `json:"totalTokens"`
	Cost           float64 `json:"cost"`
}

// MonthlyBilling is the per-user roll-up of one calendar month. The
// unique (user, year, month) index is what makes generation
// idempotent under concurrent runs.
type MonthlyBilling struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID snowflake.ID `gorm:"not null;uniqueIndex:idx_monthly_billing_user_period" json:"userId"`
	Year   int          `gorm:"not null;uniqueIndex:idx_monthly_billing_user_period" json:"year"`
	Month  int          `gorm:"not null;uniqueIndex:idx_monthly_billing_user_period" json:"month"`

	TotalRequests int64   `gorm:"not null;default:0" json:"totalRequests"`
	TotalTokens   int64   `gorm:"not null;default:0" json:"totalTokens"`
	TotalCost     float64 `gorm:"not null;default:0" json:"totalCost"`

	Deployments datatypes.JSONSlice[DeploymentCost] `json:"deployments"`

	Status      Status    `gorm:"type:text;not null" json:"status"`
	GeneratedAt time.Time `gorm:"not null" json:"generatedAt"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName sets the database table name.
func (MonthlyBilling) TableName() string { return "monthly_billing" }
