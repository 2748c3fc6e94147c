// Package service implements the usage aggregator: events fold into
// one daily row per deployment, and cost accrues onto the deployment
// record.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentloom/agentloom/internal/clock"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	"github.com/agentloom/agentloom/internal/pricing"
	"github.com/agentloom/agentloom/internal/usage/domain"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
}

type usageService struct {
	log   *zap.Logger
	db    *gorm.DB
	node  *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &usageService{
		log:   p.Log.Named("usage.service"),
		db:    p.DB,
		node:  p.Node,
		clock: p.Clock,
	}
}

// RecordUsage folds one event into its (deployment, date) row inside a
// transaction. The row is locked for the duration of the fold, so two
// concurrent recorders serialize instead of losing counts. Cost accrual
// onto the owning deployment happens in the same transaction, under its
// own row lock.
func (s *usageService) RecordUsage(ctx context.Context, req domain.RecordUsageRequest) (*domain.DailyUsage, error) {
	deploymentID, err := snowflake.ParseString(req.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed deployment_id", domain.ErrInvalidUsageEvent)
	}
	if req.LatencyMs < 0 || req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, fmt.Errorf("%w: negative measurement", domain.ErrInvalidUsageEvent)
	}

	userID, _ := snowflake.ParseString(req.UserID)

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	date := dateOf(timestamp)

	requests := req.RequestCount
	if requests <= 0 {
		requests = 1
	}
	errorCount := req.ErrorCount
	if errorCount == 0 && req.IsError {
		errorCount = 1
	}

	computeMs := req.ComputeMs
	if computeMs <= 0 {
		computeMs = int64(req.LatencyMs * float64(requests))
	}
	computeDelta := pricing.ComputeCost(float64(computeMs))
	tokenDelta := pricing.TokenCost(req.InputTokens, req.OutputTokens)
	costDelta := computeDelta + tokenDelta

	var row *domain.DailyUsage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err = s.lockOrCreateRow(ctx, tx, deploymentID, userID, date)
		if err != nil {
			return err
		}

		oldCount := row.RequestCount
		newCount := oldCount + requests

		if oldCount == 0 {
			row.AvgLatencyMs = req.LatencyMs
			row.MinLatencyMs = req.LatencyMs
			row.MaxLatencyMs = req.LatencyMs
		} else {
			row.AvgLatencyMs = (row.AvgLatencyMs*float64(oldCount) + req.LatencyMs*float64(requests)) / float64(newCount)
			if req.LatencyMs < row.MinLatencyMs {
				row.MinLatencyMs = req.LatencyMs
			}
			if req.LatencyMs > row.MaxLatencyMs {
				row.MaxLatencyMs = req.LatencyMs
			}
		}

		row.RequestCount = newCount
		row.ErrorCount += errorCount
		row.InputTokens += req.InputTokens
		row.OutputTokens += req.OutputTokens
		row.TotalTokens = row.InputTokens + row.OutputTokens
		row.ComputeMs += computeMs
		row.ComputeCost += computeDelta
		row.TokenCost += tokenDelta
		row.Cost = row.ComputeCost + row.TokenCost
		row.UpdatedAt = s.clock.Now().UTC()

		if err := tx.Save(row).Error; err != nil {
			return err
		}

		s.accrueDeploymentCost(ctx, tx, deploymentID, date, costDelta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *usageService) GetDailyUsage(ctx context.Context, req domain.GetUsageRequest) ([]*domain.DailyUsage, error) {
	deploymentID, err := snowflake.ParseString(req.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed deployment_id", domain.ErrInvalidUsageEvent)
	}

	to := req.To
	if to.IsZero() {
		to = s.clock.Now()
	}
	from := req.From
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}

	var rows []*domain.DailyUsage
	err = s.db.WithContext(ctx).
		Where("deployment_id = ? AND usage_date >= ? AND usage_date <= ?",
			deploymentID, dateOf(from), dateOf(to)).
		Order("usage_date ASC").
		Find(&rows).Error
	return rows, err
}

// MonthlyUsage groups one user's aggregates for a calendar month by
// deployment.
func (s *usageService) MonthlyUsage(ctx context.Context, userID string, year int, month time.Month) (map[string][]*domain.DailyUsage, error) {
	parsed, err := snowflake.ParseString(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidUsageEvent)
	}

	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	next := first.AddDate(0, 1, 0)

	var rows []*domain.DailyUsage
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND usage_date >= ? AND usage_date < ?", parsed, first, next).
		Order("usage_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]*domain.DailyUsage)
	for _, row := range rows {
		key := row.DeploymentID.String()
		grouped[key] = append(grouped[key], row)
	}
	return grouped, nil
}

// lockOrCreateRow returns the day's row under FOR UPDATE, creating it
// first when absent. Creation races resolve through the unique index:
// the loser's insert is a no-op and both sides re-read the same row.
func (s *usageService) lockOrCreateRow(
	ctx context.Context,
	tx *gorm.DB,
	deploymentID, userID snowflake.ID,
	date time.Time,
) (*domain.DailyUsage, error) {
	query := func() *gorm.DB {
		stmt := tx.WithContext(ctx)
		// sqlite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() != "sqlite" {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		return stmt.Where("deployment_id = ? AND usage_date = ?", deploymentID, date)
	}

	var row domain.DailyUsage
	err := query().First(&row).Error
	if err == nil {
		return &row, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := s.clock.Now().UTC()
	fresh := &domain.DailyUsage{
		ID:           s.node.Generate(),
		DeploymentID: deploymentID,
		UserID:       userID,
		UsageDate:    date,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(fresh).Error
	if err != nil {
		return nil, err
	}

	err = query().First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// accrueDeploymentCost adds the event's cost to the owning deployment,
// inside the same transaction as the daily fold. The deployment row is
// read under FOR UPDATE so two concurrent recorders cannot both base
// their write-back on the same prior total. A missing deployment or a
// failed write is logged and absorbed; the usage fold still commits.
func (s *usageService) accrueDeploymentCost(ctx context.Context, tx *gorm.DB, deploymentID snowflake.ID, date time.Time, delta float64) {
	if delta == 0 {
		return
	}

	stmt := tx.WithContext(ctx)
	// sqlite serializes writers on its own and rejects FOR UPDATE.
	if tx.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var d deploymentdomain.Deployment
	err := stmt.Where("id = ?", deploymentID).First(&d).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			s.log.Error("load deployment for cost accrual",
				zap.String("deployment_id", deploymentID.String()),
				zap.Error(err),
			)
		}
		return
	}

	tracking := d.CostTracking.Data()
	tracking.TotalCost += delta

	now := s.clock.Now().UTC()
	if date.Year() == now.Year() && date.Month() == now.Month() {
		tracking.CurrentMonthCost += delta
	}

	err = tx.WithContext(ctx).
		Model(&deploymentdomain.Deployment{}).
		Where("id = ?", deploymentID).
		Updates(map[string]any{
			"cost_tracking": datatypes.NewJSONType(tracking),
			"updated_at":    now,
		}).Error
	if err != nil {
		s.log.Error("persist cost accrual",
			zap.String("deployment_id", deploymentID.String()),
			zap.Error(err),
		)
	}
}

// dateOf normalizes a timestamp to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
