// Package cloudrun implements the deployment adapter for managed
// container backends on Google Cloud Run.
package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	logging "google.golang.org/api/logging/v2"
	monitoring "google.golang.org/api/monitoring/v3"
	run "google.golang.org/api/run/v2"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment/domain"
	"go.uber.org/zap"
)

// ServicesClient is the Cloud Run control-plane surface the adapter
// uses. Tests substitute a stub.
type ServicesClient interface {
	Create(ctx context.Context, parent, serviceID string, svc *run.GoogleCloudRunV2Service) error
	Patch(ctx context.Context, name string, svc *run.GoogleCloudRunV2Service) error
	Get(ctx context.Context, name string) (*run.GoogleCloudRunV2Service, error)
	Delete(ctx context.Context, name string) error
}

// LogsClient reads service logs from Cloud Logging.
type LogsClient interface {
	List(ctx context.Context, req *logging.ListLogEntriesRequest) (*logging.ListLogEntriesResponse, error)
}

// MetricsClient reads request metrics from Cloud Monitoring.
type MetricsClient interface {
	ListTimeSeries(ctx context.Context, project, filter string, start, end time.Time) ([]*monitoring.TimeSeries, error)
}

// Adapter drives agent workloads as Cloud Run services.
type Adapter struct {
	services ServicesClient
	logs     LogsClient
	metrics  MetricsClient
	project  string
	region   string
	log      *zap.Logger
}

// New builds an adapter over existing clients.
func New(services ServicesClient, logs LogsClient, metrics MetricsClient, cfg config.CloudRunConfig, log *zap.Logger) *Adapter {
	return &Adapter{
		services: services,
		logs:     logs,
		metrics:  metrics,
		project:  cfg.Project,
		region:   cfg.Region,
		log:      log.Named("deployment.cloudrun"),
	}
}

// NewFromConfig builds the Google API clients from application default
// credentials.
func NewFromConfig(ctx context.Context, cfg config.CloudRunConfig, log *zap.Logger) (*Adapter, error) {
	runService, err := run.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("build run client: %w", err)
	}
	loggingService, err := logging.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("build logging client: %w", err)
	}
	monitoringService, err := monitoring.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("build monitoring client: %w", err)
	}
	return New(
		&runServicesClient{services: runService.Projects.Locations.Services},
		&loggingClient{entries: loggingService.Entries},
		&monitoringClient{timeSeries: monitoringService.Projects.TimeSeries},
		cfg, log,
	), nil
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderCloudRun }

// Deploy creates the service, or patches the template when it exists.
func (a *Adapter) Deploy(ctx context.Context, d *domain.Deployment) error {
	if err := domain.ValidateConfig(d, domain.ProviderCloudRun, "image"); err != nil {
		return err
	}
	project, region, err := a.location(d)
	if err != nil {
		return err
	}

	serviceID := serviceName(d)
	name := fullServiceName(project, region, serviceID)
	svc := buildService(d)

	_, err = a.services.Get(ctx, name)
	switch {
	case isServiceNotFound(err):
		parent := fmt.Sprintf("projects/%s/locations/%s", project, region)
		err = a.services.Create(ctx, parent, serviceID, svc)
	case err == nil:
		err = a.services.Patch(ctx, name, svc)
	}
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderCloudRun, Op: "deploy", Err: err}
	}

	a.log.Info("service applied",
		zap.String("deployment_id", d.ID.String()),
		zap.String("service", name),
	)
	return nil
}

// Undeploy deletes the service; a missing service is success.
func (a *Adapter) Undeploy(ctx context.Context, d *domain.Deployment) error {
	project, region, err := a.location(d)
	if err != nil {
		return err
	}
	err = a.services.Delete(ctx, fullServiceName(project, region, serviceName(d)))
	if err != nil && !isServiceNotFound(err) {
		return &domain.ProviderError{Provider: domain.ProviderCloudRun, Op: "undeploy", Err: err}
	}
	return nil
}

// Status maps the service's terminal condition onto the canonical
// states.
func (a *Adapter) Status(ctx context.Context, d *domain.Deployment) (domain.Status, error) {
	project, region, err := a.location(d)
	if err != nil {
		return domain.StatusFailed, err
	}
	svc, err := a.services.Get(ctx, fullServiceName(project, region, serviceName(d)))
	if isServiceNotFound(err) {
		return domain.StatusStopped, nil
	}
	if err != nil {
		return domain.StatusFailed, err
	}
	if svc.Reconciling {
		return domain.StatusPending, nil
	}
	if svc.TerminalCondition == nil {
		return domain.StatusPending, nil
	}

	switch svc.TerminalCondition.State {
	case "CONDITION_SUCCEEDED":
		return domain.StatusRunning, nil
	case "CONDITION_FAILED":
		return domain.StatusFailed, nil
	default:
		return domain.StatusPending, nil
	}
}

// Metrics aggregates the trailing request window from Cloud Monitoring:
// request count, 5xx error rate and mean request latency. Container
// CPU/memory dimensions stay zero.
func (a *Adapter) Metrics(ctx context.Context, d *domain.Deployment) (domain.AdapterMetrics, error) {
	project, err := a.projectFor(d)
	if err != nil {
		return domain.AdapterMetrics{}, err
	}

	end := time.Now().UTC()
	start := end.Add(-domain.MetricsWindowMinutes * time.Minute)
	base := fmt.Sprintf(
		`resource.type="cloud_run_revision" AND resource.labels.service_name=%q`,
		serviceName(d),
	)

	requests, err := a.sumRequestCount(ctx, project, base+` AND metric.type="run.googleapis.com/request_count"`, start, end)
	if err != nil {
		return domain.AdapterMetrics{}, &domain.ProviderError{Provider: domain.ProviderCloudRun, Op: "metrics", Err: err}
	}
	errorCount, err := a.sumRequestCount(ctx, project, base+` AND metric.type="run.googleapis.com/request_count" AND metric.labels.response_code_class="5xx"`, start, end)
	if err != nil {
		return domain.AdapterMetrics{}, &domain.ProviderError{Provider: domain.ProviderCloudRun, Op: "metrics", Err: err}
	}
	latency, err := a.meanLatency(ctx, project, base+` AND metric.type="run.googleapis.com/request_latencies"`, start, end)
	if err != nil {
		return domain.AdapterMetrics{}, &domain.ProviderError{Provider: domain.ProviderCloudRun, Op: "metrics", Err: err}
	}

	metrics := domain.AdapterMetrics{
		RequestCount: requests,
		ResponseTime: latency,
	}
	if requests > 0 {
		metrics.ErrorRate = float64(errorCount) / float64(requests) * 100
	}
	return metrics, nil
}

func (a *Adapter) sumRequestCount(ctx context.Context, project, filter string, start, end time.Time) (int64, error) {
	series, err := a.metrics.ListTimeSeries(ctx, project, filter, start, end)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, ts := range series {
		for _, point := range ts.Points {
			if point.Value != nil && point.Value.Int64Value != nil {
				total += *point.Value.Int64Value
			}
		}
	}
	return total, nil
}

// meanLatency reduces the latency distribution points to a single
// count-weighted mean in milliseconds.
func (a *Adapter) meanLatency(ctx context.Context, project, filter string, start, end time.Time) (float64, error) {
	series, err := a.metrics.ListTimeSeries(ctx, project, filter, start, end)
	if err != nil {
		return 0, err
	}
	var count int64
	var weighted float64
	for _, ts := range series {
		for _, point := range ts.Points {
			if point.Value == nil || point.Value.DistributionValue == nil {
				continue
			}
			dist := point.Value.DistributionValue
			count += dist.Count
			weighted += dist.Mean * float64(dist.Count)
		}
	}
	if count == 0 {
		return 0, nil
	}
	return weighted / float64(count), nil
}

// Logs tails the service's Cloud Logging entries. Only the project is
// needed; log entries are not scoped by region.
func (a *Adapter) Logs(ctx context.Context, d *domain.Deployment, tail int) ([]domain.LogEntry, error) {
	if tail <= 0 {
		tail = domain.DefaultLogTail
	}
	project, err := a.projectFor(d)
	if err != nil {
		return nil, err
	}

	resp, err := a.logs.List(ctx, &logging.ListLogEntriesRequest{
		ResourceNames: []string{"projects/" + project},
		Filter: fmt.Sprintf(
			`resource.type="cloud_run_revision" AND resource.labels.service_name=%q`,
			serviceName(d),
		),
		OrderBy:  "timestamp desc",
		PageSize: int64(tail),
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LogEntry, 0, len(resp.Entries))
	for i := len(resp.Entries) - 1; i >= 0; i-- {
		raw := resp.Entries[i]
		entry := domain.LogEntry{
			Level:   strings.ToLower(raw.Severity),
			Message: raw.TextPayload,
		}
		if entry.Level == "" || entry.Level == "default" {
			entry.Level = "info"
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			entry.Timestamp = ts.UTC()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// location resolves project and region, preferring per-deployment
// overrides over the adapter defaults.
func (a *Adapter) location(d *domain.Deployment) (project, region string, err error) {
	project = d.ConfigString("project")
	if project == "" {
		project = a.project
	}
	region = d.ConfigString("region")
	if region == "" {
		region = a.region
	}

	var missing []string
	if project == "" {
		missing = append(missing, "project")
	}
	if region == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return "", "", &domain.ConfigurationError{Provider: domain.ProviderCloudRun, Missing: missing}
	}
	return project, region, nil
}

// projectFor resolves the project alone, for read paths that do not
// address a regional resource.
func (a *Adapter) projectFor(d *domain.Deployment) (string, error) {
	project := d.ConfigString("project")
	if project == "" {
		project = a.project
	}
	if project == "" {
		return "", &domain.ConfigurationError{Provider: domain.ProviderCloudRun, Missing: []string{"project"}}
	}
	return project, nil
}

func buildService(d *domain.Deployment) *run.GoogleCloudRunV2Service {
	resources := d.Resources.Data()

	container := &run.GoogleCloudRunV2Container{
		Image: d.ConfigString("image"),
	}
	limits := map[string]string{}
	if resources.CPU != "" {
		limits["cpu"] = resources.CPU
	}
	if resources.Memory != "" {
		limits["memory"] = resources.Memory
	}
	if len(limits) > 0 {
		container.Resources = &run.GoogleCloudRunV2ResourceRequirements{Limits: limits}
	}
	for key, value := range d.ConfigMap("env") {
		container.Env = append(container.Env, &run.GoogleCloudRunV2EnvVar{Name: key, Value: value})
	}

	svc := &run.GoogleCloudRunV2Service{
		Labels: map[string]string{"app": serviceName(d)},
		Template: &run.GoogleCloudRunV2RevisionTemplate{
			Containers: []*run.GoogleCloudRunV2Container{container},
		},
	}
	if resources.MinReplicas > 0 || resources.MaxReplicas > 0 {
		svc.Template.Scaling = &run.GoogleCloudRunV2RevisionScaling{
			MinInstanceCount: int64(resources.MinReplicas),
			MaxInstanceCount: int64(resources.MaxReplicas),
		}
	}
	return svc
}

func isServiceNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func serviceName(d *domain.Deployment) string {
	return fmt.Sprintf("agent-%s", d.ID.String())
}

func fullServiceName(project, region, serviceID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", project, region, serviceID)
}

// runServicesClient adapts the generated Cloud Run client to
// ServicesClient.
type runServicesClient struct {
	services *run.ProjectsLocationsServicesService
}

func (c *runServicesClient) Create(ctx context.Context, parent, serviceID string, svc *run.GoogleCloudRunV2Service) error {
	_, err := c.services.Create(parent, svc).ServiceId(serviceID).Context(ctx).Do()
	return err
}

func (c *runServicesClient) Patch(ctx context.Context, name string, svc *run.GoogleCloudRunV2Service) error {
	_, err := c.services.Patch(name, svc).Context(ctx).Do()
	return err
}

func (c *runServicesClient) Get(ctx context.Context, name string) (*run.GoogleCloudRunV2Service, error) {
	return c.services.Get(name).Context(ctx).Do()
}

func (c *runServicesClient) Delete(ctx context.Context, name string) error {
	_, err := c.services.Delete(name).Context(ctx).Do()
	return err
}

// loggingClient adapts the generated Cloud Logging client to
// LogsClient.
type loggingClient struct {
	entries *logging.EntriesService
}

func (c *loggingClient) List(ctx context.Context, req *logging.ListLogEntriesRequest) (*logging.ListLogEntriesResponse, error) {
	return c.entries.List(req).Context(ctx).Do()
}

// monitoringClient adapts the generated Cloud Monitoring client to
// MetricsClient.
type monitoringClient struct {
	timeSeries *monitoring.ProjectsTimeSeriesService
}

func (c *monitoringClient) ListTimeSeries(ctx context.Context, project, filter string, start, end time.Time) ([]*monitoring.TimeSeries, error) {
	resp, err := c.timeSeries.List("projects/"+project).
		Filter(filter).
		IntervalStartTime(start.Format(time.RFC3339)).
		IntervalEndTime(end.Format(time.RFC3339)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return resp.TimeSeries, nil
}
