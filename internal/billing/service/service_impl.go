// Package service implements the billing roll-up engine over the
// daily usage aggregates.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentloom/agentloom/internal/billing/domain"
	"github.com/agentloom/agentloom/internal/clock"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clock.Clock
	Usage       usagedomain.Service
	Deployments deploymentdomain.Service
}

type billingService struct {
	log         *zap.Logger
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	usage       usagedomain.Service
	deployments deploymentdomain.Service
}

func NewService(p Params) domain.Service {
	return &billingService{
		log:         p.Log.Named("billing.service"),
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		usage:       p.Usage,
		deployments: p.Deployments,
	}
}

// GenerateMonthlyBilling rolls one user's daily aggregates into a
// monthly record. The unique period index absorbs concurrent runs: a
// losing insert is a no-op and the winner's record is re-read, so the
// call is idempotent.
func (s *billingService) GenerateMonthlyBilling(ctx context.Context, userID string, year int, month time.Month) (*domain.MonthlyBilling, error) {
	parsed, err := snowflake.ParseString(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidBillingPeriod)
	}
	if err := s.validatePeriod(year, month); err != nil {
		return nil, err
	}

	if existing, err := s.find(ctx, parsed, year, month); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	grouped, err := s.usage.MonthlyUsage(ctx, userID, year, month)
	if err != nil {
		return nil, err
	}

	record := &domain.MonthlyBilling{
		ID:          s.node.Generate(),
		UserID:      parsed,
		Year:        year,
		Month:       int(month),
		Status:      domain.StatusPending,
		GeneratedAt: s.clock.Now().UTC(),
		Deployments: datatypes.NewJSONSlice(s.lineItems(ctx, grouped)),
	}
	for _, line := range record.Deployments {
		record.TotalRequests += line.RequestCount
		record.TotalTokens += line.TotalTokens
		record.TotalCost += line.Cost
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// A concurrent generator won the insert.
		existing, err := s.find(ctx, parsed, year, month)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return nil, domain.ErrBillingNotFound
	}

	s.log.Info("monthly billing generated",
		zap.String("user_id", userID),
		zap.Int("year", year),
		zap.Int("month", int(month)),
		zap.Float64("total_cost", record.TotalCost),
	)
	return record, nil
}

// ProcessMonthlyBilling generates the previous month's record for
// every user that produced usage. One user's failure is logged and
// skipped so nobody else's invoice is held hostage.
func (s *billingService) ProcessMonthlyBilling(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	next := first.AddDate(0, 1, 0)

	var userIDs []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&usagedomain.DailyUsage{}).
		Distinct("user_id").
		Where("usage_date >= ? AND usage_date < ?", first, next).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, userID := range userIDs {
		_, err := s.GenerateMonthlyBilling(ctx, userID.String(), first.Year(), first.Month())
		if err != nil {
			s.log.Error("billing generation failed for user",
				zap.String("user_id", userID.String()),
				zap.Int("year", first.Year()),
				zap.Int("month", int(first.Month())),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	s.log.Info("billing batch complete",
		zap.Int("users", len(userIDs)),
		zap.Int("processed", processed),
	)
	return processed, nil
}

func (s *billingService) GetBilling(ctx context.Context, userID string, year int, month time.Month) (*domain.MonthlyBilling, error) {
	parsed, err := snowflake.ParseString(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidBillingPeriod)
	}
	record, err := s.find(ctx, parsed, year, month)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrBillingNotFound
	}
	return record, nil
}

// GetUserBillingSummary combines the running month's accrual, a linear
// end-of-month projection, the five most expensive deployments, and
// recent finalized records.
func (s *billingService) GetUserBillingSummary(ctx context.Context, userID string) (*domain.BillingSummary, error) {
	parsed, err := snowflake.ParseString(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidBillingPeriod)
	}

	now := s.clock.Now().UTC()
	grouped, err := s.usage.MonthlyUsage(ctx, userID, now.Year(), now.Month())
	if err != nil {
		return nil, err
	}

	lines := s.lineItems(ctx, grouped)
	current := domain.CurrentMonthSummary{
		Year:  now.Year(),
		Month: int(now.Month()),
	}
	for _, line := range lines {
		current.ToDateCost += line.Cost
		current.TotalRequests += line.RequestCount
		current.TotalTokens += line.TotalTokens
	}

	daysInMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
	current.ProjectedCost = current.ToDateCost / float64(now.Day()) * float64(daysInMonth)

	if len(lines) > 5 {
		lines = lines[:5]
	}

	var history []*domain.MonthlyBilling
	err = s.db.WithContext(ctx).
		Where("user_id = ?", parsed).
		Order("year DESC, month DESC").
		Limit(12).
		Find(&history).Error
	if err != nil {
		return nil, err
	}

	return &domain.BillingSummary{
		UserID:         userID,
		CurrentMonth:   current,
		TopDeployments: lines,
		History:        history,
	}, nil
}

func (s *billingService) UpdateStatus(ctx context.Context, id string, status domain.Status) (*domain.MonthlyBilling, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return nil, domain.ErrBillingNotFound
	}

	var record domain.MonthlyBilling
	err = s.db.WithContext(ctx).Where("id = ?", parsed).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrBillingNotFound
		}
		return nil, err
	}
	if record.Status == status {
		return &record, nil
	}
	if !validStatusChange(record.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidStatusChange, record.Status, status)
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).
		Model(&domain.MonthlyBilling{}).
		Where("id = ?", parsed).
		Updates(map[string]any{"status": status, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}

	record.Status = status
	record.UpdatedAt = now
	return &record, nil
}

func (s *billingService) find(ctx context.Context, userID snowflake.ID, year int, month time.Month) (*domain.MonthlyBilling, error) {
	var record domain.MonthlyBilling
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND year = ? AND month = ?", userID, year, int(month)).
		First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// lineItems folds grouped daily aggregates into per-deployment line
// items, most expensive first.
func (s *billingService) lineItems(ctx context.Context, grouped map[string][]*usagedomain.DailyUsage) []domain.DeploymentCost {
	lines := make([]domain.DeploymentCost, 0, len(grouped))
	for deploymentID, rows := range grouped {
		line := domain.DeploymentCost{
			DeploymentID:   deploymentID,
			DeploymentName: s.deployments.ResolveName(ctx, deploymentID),
		}
		for _, row := range rows {
			line.RequestCount += row.RequestCount
			line.TotalTokens += row.TotalTokens
			line.Cost += row.Cost
		}
		lines = append(lines, line)
	}

	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Cost != lines[j].Cost {
			return lines[i].Cost > lines[j].Cost
		}
		return lines[i].DeploymentID < lines[j].DeploymentID
	})
	return lines
}

func (s *billingService) validatePeriod(year int, month time.Month) error {
	if year < 2000 || month < time.January || month > time.December {
		return domain.ErrInvalidBillingPeriod
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if first.After(s.clock.Now().UTC()) {
		return fmt.Errorf("%w: period has not started", domain.ErrInvalidBillingPeriod)
	}
	return nil
}

func validStatusChange(from, to domain.Status) bool {
	switch from {
	case domain.StatusPending:
		return to == domain.StatusProcessed
	case domain.StatusProcessed:
		return to == domain.StatusPaid
	default:
		return false
	}
}
