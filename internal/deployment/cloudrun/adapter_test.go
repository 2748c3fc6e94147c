package cloudrun

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	logging "google.golang.org/api/logging/v2"
	monitoring "google.golang.org/api/monitoring/v3"
	run "google.golang.org/api/run/v2"
	"gorm.io/datatypes"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment/domain"
)

type stubServices struct {
	getSvc    *run.GoogleCloudRunV2Service
	getErr    error
	deleteErr error

	createdParent string
	createdID     string
	created       *run.GoogleCloudRunV2Service
	patchedName   string
	patched       *run.GoogleCloudRunV2Service
	deletedName   string
}

func (s *stubServices) Create(_ context.Context, parent, serviceID string, svc *run.GoogleCloudRunV2Service) error {
	s.createdParent = parent
	s.createdID = serviceID
	s.created = svc
	return nil
}

func (s *stubServices) Patch(_ context.Context, name string, svc *run.GoogleCloudRunV2Service) error {
	s.patchedName = name
	s.patched = svc
	return nil
}

func (s *stubServices) Get(_ context.Context, _ string) (*run.GoogleCloudRunV2Service, error) {
	return s.getSvc, s.getErr
}

func (s *stubServices) Delete(_ context.Context, name string) error {
	s.deletedName = name
	return s.deleteErr
}

type stubLogs struct {
	entries []*logging.LogEntry
	filter  string
}

func (s *stubLogs) List(_ context.Context, req *logging.ListLogEntriesRequest) (*logging.ListLogEntriesResponse, error) {
	s.filter = req.Filter
	return &logging.ListLogEntriesResponse{Entries: s.entries}, nil
}

// stubMetrics serves time series keyed by a substring of the filter.
type stubMetrics struct {
	series  map[string][]*monitoring.TimeSeries
	filters []string
}

func (s *stubMetrics) ListTimeSeries(_ context.Context, _, filter string, _, _ time.Time) ([]*monitoring.TimeSeries, error) {
	s.filters = append(s.filters, filter)
	// Longest matching key wins, so the 5xx filter does not fall through
	// to the plain request_count series.
	var best string
	for key := range s.series {
		if strings.Contains(filter, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return nil, nil
	}
	return s.series[best], nil
}

func deltaSeries(values ...int64) []*monitoring.TimeSeries {
	points := make([]*monitoring.Point, 0, len(values))
	for i := range values {
		points = append(points, &monitoring.Point{Value: &monitoring.TypedValue{Int64Value: &values[i]}})
	}
	return []*monitoring.TimeSeries{{Points: points}}
}

func latencySeries(count int64, mean float64) []*monitoring.TimeSeries {
	return []*monitoring.TimeSeries{{Points: []*monitoring.Point{{
		Value: &monitoring.TypedValue{DistributionValue: &monitoring.Distribution{Count: count, Mean: mean}},
	}}}}
}

var notFoundErr = &googleapi.Error{Code: 404, Message: "service not found"}

func testDeployment(cfg map[string]any) *domain.Deployment {
	return &domain.Deployment{
		ID:       snowflake.ID(7300),
		Name:     "support-agent",
		Provider: domain.ProviderCloudRun,
		Status:   domain.StatusPending,
		Config:   datatypes.JSONMap(cfg),
		Resources: datatypes.NewJSONType(domain.Resources{
			CPU:         "1",
			Memory:      "512Mi",
			MinReplicas: 1,
			MaxReplicas: 3,
		}),
	}
}

func newTestAdapter(services *stubServices, logs *stubLogs) *Adapter {
	return New(services, logs, &stubMetrics{}, config.CloudRunConfig{
		Project: "agentloom-prod",
		Region:  "us-central1",
	}, zap.NewNop())
}

func TestDeployRequiresImage(t *testing.T) {
	adapter := newTestAdapter(&stubServices{}, &stubLogs{})

	err := adapter.Deploy(context.Background(), testDeployment(map[string]any{}))

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, domain.ProviderCloudRun, cfgErr.Provider)
	assert.Equal(t, []string{"image"}, cfgErr.Missing)
}

func TestDeployRequiresResolvableProject(t *testing.T) {
	adapter := New(&stubServices{}, &stubLogs{}, &stubMetrics{}, config.CloudRunConfig{Region: "us-central1"}, zap.NewNop())

	err := adapter.Deploy(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}))

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"project"}, cfgErr.Missing)
}

func TestDeployCreatesMissingService(t *testing.T) {
	services := &stubServices{getErr: notFoundErr}
	adapter := newTestAdapter(services, &stubLogs{})

	err := adapter.Deploy(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
		"env":   map[string]any{"MODEL": "sonnet"},
	}))

	require.NoError(t, err)
	assert.Equal(t, "projects/agentloom-prod/locations/us-central1", services.createdParent)
	assert.Equal(t, "agent-7300", services.createdID)
	require.NotNil(t, services.created)
	require.Len(t, services.created.Template.Containers, 1)

	container := services.created.Template.Containers[0]
	assert.Equal(t, "gcr.io/agentloom/support:v3", container.Image)
	assert.Equal(t, "512Mi", container.Resources.Limits["memory"])
	require.Len(t, container.Env, 1)
	assert.Equal(t, "MODEL", container.Env[0].Name)

	require.NotNil(t, services.created.Template.Scaling)
	assert.Equal(t, int64(1), services.created.Template.Scaling.MinInstanceCount)
	assert.Equal(t, int64(3), services.created.Template.Scaling.MaxInstanceCount)
}

func TestDeployPatchesExistingService(t *testing.T) {
	services := &stubServices{getSvc: &run.GoogleCloudRunV2Service{}}
	adapter := newTestAdapter(services, &stubLogs{})

	err := adapter.Deploy(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v4",
	}))

	require.NoError(t, err)
	assert.Nil(t, services.created)
	assert.Equal(t, "projects/agentloom-prod/locations/us-central1/services/agent-7300", services.patchedName)
	assert.Equal(t, "gcr.io/agentloom/support:v4", services.patched.Template.Containers[0].Image)
}

func TestUndeployMissingServiceIsSuccess(t *testing.T) {
	services := &stubServices{deleteErr: notFoundErr}
	adapter := newTestAdapter(services, &stubLogs{})

	err := adapter.Undeploy(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}))

	require.NoError(t, err)
	assert.Equal(t, "projects/agentloom-prod/locations/us-central1/services/agent-7300", services.deletedName)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		svc  *run.GoogleCloudRunV2Service
		err  error
		want domain.Status
	}{
		{
			name: "succeeded condition is running",
			svc: &run.GoogleCloudRunV2Service{
				TerminalCondition: &run.GoogleCloudRunV2Condition{State: "CONDITION_SUCCEEDED"},
			},
			want: domain.StatusRunning,
		},
		{
			name: "failed condition is failed",
			svc: &run.GoogleCloudRunV2Service{
				TerminalCondition: &run.GoogleCloudRunV2Condition{State: "CONDITION_FAILED"},
			},
			want: domain.StatusFailed,
		},
		{
			name: "reconciling service is pending",
			svc: &run.GoogleCloudRunV2Service{
				Reconciling:       true,
				TerminalCondition: &run.GoogleCloudRunV2Condition{State: "CONDITION_SUCCEEDED"},
			},
			want: domain.StatusPending,
		},
		{
			name: "missing service is stopped",
			err:  notFoundErr,
			want: domain.StatusStopped,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(&stubServices{getSvc: tc.svc, getErr: tc.err}, &stubLogs{})

			status, err := adapter.Status(context.Background(), testDeployment(map[string]any{
				"image": "gcr.io/agentloom/support:v3",
			}))

			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestMetricsAggregatesMonitoringWindow(t *testing.T) {
	metrics := &stubMetrics{series: map[string][]*monitoring.TimeSeries{
		`request_count"`:            deltaSeries(30, 20),
		`response_code_class="5xx"`: deltaSeries(5),
		"request_latencies":         latencySeries(50, 220),
	}}
	adapter := New(&stubServices{}, &stubLogs{}, metrics, config.CloudRunConfig{
		Project: "agentloom-prod",
		Region:  "us-central1",
	}, zap.NewNop())

	got, err := adapter.Metrics(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}))

	require.NoError(t, err)
	assert.Equal(t, int64(50), got.RequestCount)
	assert.InDelta(t, 10.0, got.ErrorRate, 0.001)
	assert.InDelta(t, 220.0, got.ResponseTime, 0.001)
	assert.Zero(t, got.CPUUsage)
	assert.Zero(t, got.MemoryUsage)
	require.NotEmpty(t, metrics.filters)
	assert.Contains(t, metrics.filters[0], `service_name="agent-7300"`)
}

func TestMetricsNoTrafficYieldsZeroErrorRate(t *testing.T) {
	adapter := newTestAdapter(&stubServices{}, &stubLogs{})

	got, err := adapter.Metrics(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}))

	require.NoError(t, err)
	assert.Zero(t, got.RequestCount)
	assert.Zero(t, got.ErrorRate)
}

func TestLogsNeedOnlyProject(t *testing.T) {
	logs := &stubLogs{entries: []*logging.LogEntry{
		{Timestamp: "2026-08-29T10:00:01Z", Severity: "INFO", TextPayload: "agent started"},
	}}
	adapter := New(&stubServices{}, logs, &stubMetrics{}, config.CloudRunConfig{
		Project: "agentloom-prod",
	}, zap.NewNop())

	entries, err := adapter.Logs(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}), 10)

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent started", entries[0].Message)
}

func TestLogsFiltersByServiceAndReversesOrder(t *testing.T) {
	logs := &stubLogs{entries: []*logging.LogEntry{
		{Timestamp: "2026-08-29T10:00:02Z", Severity: "ERROR", TextPayload: "tool call failed"},
		{Timestamp: "2026-08-29T10:00:01Z", Severity: "DEFAULT", TextPayload: "agent started"},
	}}
	adapter := newTestAdapter(&stubServices{}, logs)

	entries, err := adapter.Logs(context.Background(), testDeployment(map[string]any{
		"image": "gcr.io/agentloom/support:v3",
	}), 50)

	require.NoError(t, err)
	assert.Contains(t, logs.filter, `service_name="agent-7300"`)
	require.Len(t, entries, 2)
	assert.Equal(t, "agent started", entries[0].Message)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "error", entries[1].Level)
}
