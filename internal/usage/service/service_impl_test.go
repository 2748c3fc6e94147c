package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentloom/agentloom/internal/clock"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	"github.com/agentloom/agentloom/internal/pricing"
	"github.com/agentloom/agentloom/internal/usage/domain"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	// One shared in-memory database; a second pooled connection would
	// open its own.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.DailyUsage{}, &deploymentdomain.Deployment{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC))
	svc := NewService(Params{Log: zap.NewNop(), DB: db, Node: node, Clock: fake})
	return &fixture{svc: svc, db: db, clock: fake}
}

func (f *fixture) record(t *testing.T, req domain.RecordUsageRequest) *domain.DailyUsage {
	t.Helper()
	if req.DeploymentID == "" {
		req.DeploymentID = "501"
	}
	if req.UserID == "" {
		req.UserID = "202"
	}
	row, err := f.svc.RecordUsage(context.Background(), req)
	require.NoError(t, err)
	return row
}

func TestRecordUsageCreatesDailyRow(t *testing.T) {
	f := newFixture(t)

	row := f.record(t, domain.RecordUsageRequest{
		InputTokens:  60,
		OutputTokens: 40,
		LatencyMs:    150,
	})

	assert.Equal(t, int64(1), row.RequestCount)
	assert.Equal(t, int64(0), row.ErrorCount)
	assert.Equal(t, int64(100), row.TotalTokens)
	assert.InDelta(t, 150, row.AvgLatencyMs, 0.001)
	assert.InDelta(t, 150, row.MinLatencyMs, 0.001)
	assert.InDelta(t, 150, row.MaxLatencyMs, 0.001)
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), row.UsageDate)
}

func TestThreeEventsFoldIntoOneRow(t *testing.T) {
	f := newFixture(t)

	f.record(t, domain.RecordUsageRequest{InputTokens: 60, OutputTokens: 40, LatencyMs: 150})
	f.record(t, domain.RecordUsageRequest{InputTokens: 70, OutputTokens: 30, LatencyMs: 300, IsError: true})
	row := f.record(t, domain.RecordUsageRequest{InputTokens: 50, OutputTokens: 35, LatencyMs: 200})

	assert.Equal(t, int64(3), row.RequestCount)
	assert.Equal(t, int64(1), row.ErrorCount)
	assert.Equal(t, int64(180), row.InputTokens)
	assert.Equal(t, int64(105), row.OutputTokens)
	assert.Equal(t, int64(285), row.TotalTokens)
	assert.InDelta(t, 216.6667, row.AvgLatencyMs, 0.001)
	assert.InDelta(t, 150, row.MinLatencyMs, 0.001)
	assert.InDelta(t, 300, row.MaxLatencyMs, 0.001)

	var count int64
	require.NoError(t, f.db.Model(&domain.DailyUsage{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCostFollowsRateCard(t *testing.T) {
	f := newFixture(t)

	row := f.record(t, domain.RecordUsageRequest{
		InputTokens:  1000,
		OutputTokens: 500,
		LatencyMs:    250,
	})

	assert.InDelta(t, pricing.ComputeCost(250), row.ComputeCost, 1e-12)
	assert.InDelta(t, pricing.TokenCost(1000, 500), row.TokenCost, 1e-12)
	assert.InDelta(t, row.ComputeCost+row.TokenCost, row.Cost, 1e-12)
}

func TestCostSplitAccumulatesAcrossEvents(t *testing.T) {
	f := newFixture(t)

	f.record(t, domain.RecordUsageRequest{InputTokens: 1000, OutputTokens: 500, LatencyMs: 250})
	row := f.record(t, domain.RecordUsageRequest{InputTokens: 200, OutputTokens: 100, LatencyMs: 50})

	wantCompute := pricing.ComputeCost(250) + pricing.ComputeCost(50)
	wantTokens := pricing.TokenCost(1000, 500) + pricing.TokenCost(200, 100)
	assert.InDelta(t, wantCompute, row.ComputeCost, 1e-12)
	assert.InDelta(t, wantTokens, row.TokenCost, 1e-12)
	assert.InDelta(t, wantCompute+wantTokens, row.Cost, 1e-12)

	resp := row.Response()
	assert.InDelta(t, wantCompute, resp.Cost.Compute, 1e-12)
	assert.InDelta(t, wantTokens, resp.Cost.Tokens, 1e-12)
	assert.InDelta(t, row.Cost, resp.Cost.Total, 1e-12)
}

func TestEventsOnDifferentDaysCreateSeparateRows(t *testing.T) {
	f := newFixture(t)

	f.record(t, domain.RecordUsageRequest{LatencyMs: 100, InputTokens: 10})
	f.record(t, domain.RecordUsageRequest{
		LatencyMs:   100,
		InputTokens: 10,
		Timestamp:   time.Date(2026, 8, 28, 23, 59, 0, 0, time.UTC),
	})

	rows, err := f.svc.GetDailyUsage(context.Background(), domain.GetUsageRequest{DeploymentID: "501"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), rows[0].UsageDate)
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), rows[1].UsageDate)
}

func TestPreAggregatedBatchCountsAllRequests(t *testing.T) {
	f := newFixture(t)

	f.record(t, domain.RecordUsageRequest{LatencyMs: 100, InputTokens: 50})
	row := f.record(t, domain.RecordUsageRequest{
		LatencyMs:    200,
		InputTokens:  500,
		RequestCount: 4,
		ErrorCount:   2,
	})

	assert.Equal(t, int64(5), row.RequestCount)
	assert.Equal(t, int64(2), row.ErrorCount)
	// (100*1 + 200*4) / 5
	assert.InDelta(t, 180, row.AvgLatencyMs, 0.001)
}

func TestRecordUsageRejectsNegativeMeasurements(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RecordUsage(context.Background(), domain.RecordUsageRequest{
		DeploymentID: "501",
		LatencyMs:    -1,
	})

	assert.ErrorIs(t, err, domain.ErrInvalidUsageEvent)
}

func TestRecordUsageRejectsMalformedDeploymentID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RecordUsage(context.Background(), domain.RecordUsageRequest{
		DeploymentID: "not-a-snowflake",
	})

	assert.ErrorIs(t, err, domain.ErrInvalidUsageEvent)
}

func TestCostAccruesOntoDeployment(t *testing.T) {
	f := newFixture(t)
	deploymentID := snowflake.ID(501)
	require.NoError(t, f.db.Create(&deploymentdomain.Deployment{
		ID:       deploymentID,
		AgentID:  snowflake.ID(101),
		UserID:   snowflake.ID(202),
		Name:     "research-agent",
		Provider: deploymentdomain.ProviderKubernetes,
		Status:   deploymentdomain.StatusRunning,
	}).Error)

	row := f.record(t, domain.RecordUsageRequest{InputTokens: 1000, OutputTokens: 500, LatencyMs: 250})

	var d deploymentdomain.Deployment
	require.NoError(t, f.db.Where("id = ?", deploymentID).First(&d).Error)
	tracking := d.CostTracking.Data()
	assert.InDelta(t, row.Cost, tracking.TotalCost, 1e-12)
	assert.InDelta(t, row.Cost, tracking.CurrentMonthCost, 1e-12)
}

func TestConcurrentRecordersLoseNoCost(t *testing.T) {
	f := newFixture(t)
	deploymentID := snowflake.ID(501)
	require.NoError(t, f.db.Create(&deploymentdomain.Deployment{
		ID:       deploymentID,
		AgentID:  snowflake.ID(101),
		UserID:   snowflake.ID(202),
		Name:     "research-agent",
		Provider: deploymentdomain.ProviderKubernetes,
		Status:   deploymentdomain.StatusRunning,
	}).Error)

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordUsage(context.Background(), domain.RecordUsageRequest{
				DeploymentID: "501",
				UserID:       "202",
				InputTokens:  100,
				OutputTokens: 50,
				LatencyMs:    200,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	perEvent := pricing.ComputeCost(200) + pricing.TokenCost(100, 50)

	var row domain.DailyUsage
	require.NoError(t, f.db.Where("deployment_id = ?", deploymentID).First(&row).Error)
	assert.Equal(t, int64(workers), row.RequestCount)
	assert.InDelta(t, perEvent*workers, row.Cost, 1e-9)

	var d deploymentdomain.Deployment
	require.NoError(t, f.db.Where("id = ?", deploymentID).First(&d).Error)
	assert.InDelta(t, perEvent*workers, d.CostTracking.Data().TotalCost, 1e-9)
}

func TestBackdatedEventDoesNotTouchCurrentMonth(t *testing.T) {
	f := newFixture(t)
	deploymentID := snowflake.ID(501)
	require.NoError(t, f.db.Create(&deploymentdomain.Deployment{
		ID:       deploymentID,
		AgentID:  snowflake.ID(101),
		UserID:   snowflake.ID(202),
		Name:     "research-agent",
		Provider: deploymentdomain.ProviderKubernetes,
		Status:   deploymentdomain.StatusRunning,
	}).Error)

	row := f.record(t, domain.RecordUsageRequest{
		InputTokens: 100,
		LatencyMs:   100,
		Timestamp:   time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC),
	})

	var d deploymentdomain.Deployment
	require.NoError(t, f.db.Where("id = ?", deploymentID).First(&d).Error)
	tracking := d.CostTracking.Data()
	assert.InDelta(t, row.Cost, tracking.TotalCost, 1e-12)
	assert.Zero(t, tracking.CurrentMonthCost)
}

func TestRecordUsageSucceedsWithoutDeploymentRecord(t *testing.T) {
	f := newFixture(t)

	row := f.record(t, domain.RecordUsageRequest{InputTokens: 10, LatencyMs: 50})

	assert.Equal(t, int64(1), row.RequestCount)
}

func TestMonthlyUsageGroupsByDeployment(t *testing.T) {
	f := newFixture(t)

	f.record(t, domain.RecordUsageRequest{DeploymentID: "501", LatencyMs: 100, InputTokens: 10})
	f.record(t, domain.RecordUsageRequest{DeploymentID: "502", LatencyMs: 100, InputTokens: 20})
	f.record(t, domain.RecordUsageRequest{
		DeploymentID: "501",
		LatencyMs:    100,
		InputTokens:  30,
		Timestamp:    time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
	})

	grouped, err := f.svc.MonthlyUsage(context.Background(), "202", 2026, time.August)
	require.NoError(t, err)

	require.Len(t, grouped, 2)
	assert.Len(t, grouped["501"], 1)
	assert.Len(t, grouped["502"], 1)
}
