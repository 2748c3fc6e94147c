package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	billingdomain "github.com/agentloom/agentloom/internal/billing/domain"
	"github.com/agentloom/agentloom/internal/config"
	deploymentdomain "github.com/agentloom/agentloom/internal/deployment/domain"
	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
)

type stubDeployments struct {
	deployment *deploymentdomain.Deployment
	err        error
}

func (s *stubDeployments) Create(context.Context, deploymentdomain.CreateDeploymentRequest) (*deploymentdomain.Deployment, error) {
	return s.deployment, s.err
}
func (s *stubDeployments) Get(context.Context, string) (*deploymentdomain.Deployment, error) {
	return s.deployment, s.err
}
func (s *stubDeployments) List(context.Context, deploymentdomain.ListDeploymentsRequest) ([]*deploymentdomain.Deployment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*deploymentdomain.Deployment{s.deployment}, nil
}
func (s *stubDeployments) Deploy(context.Context, string) (*deploymentdomain.Deployment, error) {
	return s.deployment, s.err
}
func (s *stubDeployments) Stop(context.Context, string) (*deploymentdomain.Deployment, error) {
	return s.deployment, s.err
}
func (s *stubDeployments) Start(context.Context, string) (*deploymentdomain.Deployment, error) {
	return s.deployment, s.err
}
func (s *stubDeployments) Delete(context.Context, string) error { return s.err }
func (s *stubDeployments) RefreshStatus(context.Context, string) (deploymentdomain.Status, error) {
	return deploymentdomain.StatusRunning, s.err
}
func (s *stubDeployments) Metrics(context.Context, string) (deploymentdomain.MetricsSnapshot, error) {
	return deploymentdomain.MetricsSnapshot{}, s.err
}
func (s *stubDeployments) Logs(context.Context, string, int) ([]deploymentdomain.LogEntry, error) {
	return nil, s.err
}
func (s *stubDeployments) ResolveName(_ context.Context, id string) string {
	return fmt.Sprintf("Deployment %s", id)
}

type stubUsage struct {
	row *usagedomain.DailyUsage
	err error
}

func (s *stubUsage) RecordUsage(context.Context, usagedomain.RecordUsageRequest) (*usagedomain.DailyUsage, error) {
	return s.row, s.err
}
func (s *stubUsage) GetDailyUsage(context.Context, usagedomain.GetUsageRequest) ([]*usagedomain.DailyUsage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*usagedomain.DailyUsage{s.row}, nil
}
func (s *stubUsage) MonthlyUsage(context.Context, string, int, time.Month) (map[string][]*usagedomain.DailyUsage, error) {
	return nil, s.err
}

type stubBilling struct {
	record *billingdomain.MonthlyBilling
	err    error
}

func (s *stubBilling) GenerateMonthlyBilling(context.Context, string, int, time.Month) (*billingdomain.MonthlyBilling, error) {
	return s.record, s.err
}
func (s *stubBilling) ProcessMonthlyBilling(context.Context) (int, error) { return 2, s.err }
func (s *stubBilling) GetBilling(context.Context, string, int, time.Month) (*billingdomain.MonthlyBilling, error) {
	return s.record, s.err
}
func (s *stubBilling) GetUserBillingSummary(context.Context, string) (*billingdomain.BillingSummary, error) {
	return &billingdomain.BillingSummary{}, s.err
}
func (s *stubBilling) UpdateStatus(context.Context, string, billingdomain.Status) (*billingdomain.MonthlyBilling, error) {
	return s.record, s.err
}

type fixture struct {
	engine      *gin.Engine
	deployments *stubDeployments
	usage       *stubUsage
	billing     *stubBilling
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deployments := &stubDeployments{deployment: &deploymentdomain.Deployment{
		ID:     snowflake.ID(4100),
		Name:   "research-agent",
		Status: deploymentdomain.StatusPending,
	}}
	usage := &stubUsage{row: &usagedomain.DailyUsage{
		DeploymentID: snowflake.ID(4100),
		UsageDate:    time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC),
		RequestCount: 3,
		TotalTokens:  285,
		ComputeCost:  0.05,
		TokenCost:    1.20,
		Cost:         1.25,
	}}
	billing := &stubBilling{record: &billingdomain.MonthlyBilling{
		ID:        snowflake.ID(8800),
		Year:      2026,
		Month:     7,
		TotalCost: 19.75,
		Status:    billingdomain.StatusPending,
	}}

	engine := NewEngine(zap.NewNop())
	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           config.Config{HTTPAddr: ":0"},
		Log:           zap.NewNop(),
		DeploymentSvc: deployments,
		UsageSvc:      usage,
		BillingSvc:    billing,
	})
	return &fixture{engine: engine, deployments: deployments, usage: usage, billing: billing}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateDeploymentReturnsCreated(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"agent_id": "101",
		"user_id":  "202",
		"name":     "research-agent",
		"provider": "kubernetes",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUnsupportedProviderMapsToBadRequest(t *testing.T) {
	f := newFixture(t)
	f.deployments.err = deploymentdomain.ErrUnsupportedProvider

	rec := f.request(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"agent_id": "101",
		"user_id":  "202",
		"name":     "research-agent",
		"provider": "heroku",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
}

func TestMissingDeploymentMapsToNotFound(t *testing.T) {
	f := newFixture(t)
	f.deployments.err = deploymentdomain.ErrDeploymentNotFound

	rec := f.request(t, http.MethodGet, "/api/v1/deployments/4100", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigurationErrorCarriesMissingFields(t *testing.T) {
	f := newFixture(t)
	f.deployments.err = &deploymentdomain.ConfigurationError{
		Provider: deploymentdomain.ProviderKubernetes,
		Missing:  []string{"image"},
	}

	rec := f.request(t, http.MethodPost, "/api/v1/deployments/4100/deploy", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "configuration_error", resp.Error.Type)
	assert.Equal(t, []string{"image"}, resp.Error.Missing)
}

func TestInvalidTransitionMapsToConflict(t *testing.T) {
	f := newFixture(t)
	f.deployments.err = deploymentdomain.ErrInvalidTransition

	rec := f.request(t, http.MethodPost, "/api/v1/deployments/4100/stop", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProviderErrorMapsToBadGateway(t *testing.T) {
	f := newFixture(t)
	f.deployments.err = &deploymentdomain.ProviderError{
		Provider: deploymentdomain.ProviderLambda,
		Op:       "deploy",
		Err:      errors.New("throttled"),
	}

	rec := f.request(t, http.MethodPost, "/api/v1/deployments/4100/deploy", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRecordUsageReturnsAggregateShape(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/usage", map[string]any{
		"deployment_id": "4100",
		"user_id":       "202",
		"input_tokens":  100,
		"output_tokens": 50,
		"latency_ms":    150,
	})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp usagedomain.UsageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.RequestCount)
	assert.Equal(t, "2026-08-29", resp.Date)

	// The cost breaks down into compute and token portions.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.JSONEq(t, `{"compute": 0.05, "tokens": 1.20, "total": 1.25}`, string(raw["cost"]))
}

func TestGenerateBillingValidatesBody(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/billing/generate", map[string]any{
		"user_id": "202",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessBillingReturnsCount(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/billing/process", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processed": 2}`, rec.Body.String())
}

func TestBillingStatusConflict(t *testing.T) {
	f := newFixture(t)
	f.billing.err = billingdomain.ErrInvalidStatusChange

	rec := f.request(t, http.MethodPatch, "/api/v1/billing/8800/status", map[string]any{
		"status": "paid",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}
