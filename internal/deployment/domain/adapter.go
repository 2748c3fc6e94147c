package domain

import (
	"context"
	"fmt"
	"strings"
)

// AdapterMetrics is the canonical metrics tuple for a 5-minute trailing
// window. Dimensions a backend does not expose are zero, never omitted.
type AdapterMetrics struct {
	CPUUsage     float64 `json:"cpuUsage"`
	MemoryUsage  float64 `json:"memoryUsage"`
	RequestCount int64   `json:"requestCount"`
	ResponseTime float64 `json:"responseTime"`
	ErrorRate    float64 `json:"errorRate"`
}

// MetricsWindowMinutes is the trailing window adapters query.
const MetricsWindowMinutes = 5

// DefaultLogTail is the log line count returned when the caller does not
// ask for a specific tail.
const DefaultLogTail = 100

// Adapter translates the canonical deployment lifecycle onto one backend.
//
// Deploy and Undeploy are write operations: they validate required config
// locally before any network call and propagate backend failures.
// Undeploy treats "resource not found" as success. Status, Metrics and
// Logs are read operations; their errors are absorbed into safe defaults
// by the factory, not by the adapter itself.
type Adapter interface {
	Provider() Provider
	Deploy(ctx context.Context, d *Deployment) error
	Undeploy(ctx context.Context, d *Deployment) error
	Status(ctx context.Context, d *Deployment) (Status, error)
	Metrics(ctx context.Context, d *Deployment) (AdapterMetrics, error)
	Logs(ctx context.Context, d *Deployment, tail int) ([]LogEntry, error)
}

// ConfigurationError reports provider-required config fields missing from
// a deployment. It is raised before any network call and never retried.
type ConfigurationError struct {
	Provider Provider
	Missing  []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s config missing required field(s): %s",
		e.Provider, strings.Join(e.Missing, ", "))
}

// ValidateConfig checks that every required key resolves to a non-empty
// string in the deployment config, returning a ConfigurationError naming
// all missing fields at once.
func ValidateConfig(d *Deployment, provider Provider, required ...string) error {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(d.ConfigString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Provider: provider, Missing: missing}
	}
	return nil
}

// ProviderError wraps a backend SDK failure with the operation that hit it.
type ProviderError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
