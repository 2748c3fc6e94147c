// Package factory resolves a deployment's declared provider to the
// matching adapter and normalizes adapter failures.
package factory

import (
	"context"
	"strings"
	"time"

	"github.com/agentloom/agentloom/internal/deployment/domain"
	"go.uber.org/zap"
)

const defaultAdapterTimeout = 20 * time.Second

// Factory dispatches lifecycle operations to provider adapters.
//
// Write operations (Deploy, Stop, Start, Delete) wrap and re-throw
// adapter errors so the caller can mark the deployment failed. Read
// operations (Status, Metrics, Logs) absorb adapter errors into safe
// defaults so one backend outage cannot break the orchestrator.
type Factory struct {
	adapters map[domain.Provider]domain.Adapter
	log      *zap.Logger
	timeout  time.Duration
}

// Option configures a Factory.
type Option func(*Factory)

// WithTimeout bounds every adapter call.
func WithTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New builds a factory over an explicit adapter list. Adding a backend
// means adding one adapter here; nothing else changes.
func New(log *zap.Logger, adapters []domain.Adapter, opts ...Option) *Factory {
	f := &Factory{
		adapters: make(map[domain.Provider]domain.Adapter, len(adapters)),
		log:      log.Named("deployment.factory"),
		timeout:  defaultAdapterTimeout,
	}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := domain.Provider(strings.ToLower(strings.TrimSpace(string(adapter.Provider()))))
		if provider == "" {
			continue
		}
		f.adapters[provider] = adapter
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve returns the adapter for a declared provider type.
func (f *Factory) Resolve(provider domain.Provider) (domain.Adapter, error) {
	key := domain.Provider(strings.ToLower(strings.TrimSpace(string(provider))))
	adapter, ok := f.adapters[key]
	if !ok {
		return nil, domain.ErrUnsupportedProvider
	}
	return adapter, nil
}

// Deploy delegates to the resolved adapter and propagates failures.
func (f *Factory) Deploy(ctx context.Context, d *domain.Deployment) error {
	return f.write(ctx, d, "deploy", func(ctx context.Context, adapter domain.Adapter) error {
		return adapter.Deploy(ctx, d)
	})
}

// Stop tears the workload down on the backend; the record survives.
func (f *Factory) Stop(ctx context.Context, d *domain.Deployment) error {
	return f.write(ctx, d, "stop", func(ctx context.Context, adapter domain.Adapter) error {
		return adapter.Undeploy(ctx, d)
	})
}

// Start re-deploys a stopped workload.
func (f *Factory) Start(ctx context.Context, d *domain.Deployment) error {
	return f.write(ctx, d, "start", func(ctx context.Context, adapter domain.Adapter) error {
		return adapter.Deploy(ctx, d)
	})
}

// Delete removes the workload from the backend. Missing backend
// resources are success (adapters own that translation).
func (f *Factory) Delete(ctx context.Context, d *domain.Deployment) error {
	return f.write(ctx, d, "delete", func(ctx context.Context, adapter domain.Adapter) error {
		return adapter.Undeploy(ctx, d)
	})
}

// Status polls the backend state, degrading to failed on any error.
func (f *Factory) Status(ctx context.Context, d *domain.Deployment) domain.Status {
	adapter, err := f.Resolve(d.Provider)
	if err != nil {
		f.log.Warn("status for unsupported provider",
			zap.String("deployment_id", d.ID.String()),
			zap.String("provider", string(d.Provider)),
		)
		return domain.StatusFailed
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	status, err := adapter.Status(ctx, d)
	if err != nil {
		f.log.Warn("status check failed, degrading to failed",
			zap.String("deployment_id", d.ID.String()),
			zap.String("provider", string(d.Provider)),
			zap.Error(err),
		)
		return domain.StatusFailed
	}
	return status
}

// Metrics polls the backend metrics window, degrading to all-zero.
func (f *Factory) Metrics(ctx context.Context, d *domain.Deployment) domain.AdapterMetrics {
	adapter, err := f.Resolve(d.Provider)
	if err != nil {
		return domain.AdapterMetrics{}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	metrics, err := adapter.Metrics(ctx, d)
	if err != nil {
		f.log.Warn("metrics fetch failed, returning zeros",
			zap.String("deployment_id", d.ID.String()),
			zap.String("provider", string(d.Provider)),
			zap.Error(err),
		)
		return domain.AdapterMetrics{}
	}
	return metrics
}

// Logs fetches the most recent tail lines, degrading to empty.
func (f *Factory) Logs(ctx context.Context, d *domain.Deployment, tail int) []domain.LogEntry {
	adapter, err := f.Resolve(d.Provider)
	if err != nil {
		return []domain.LogEntry{}
	}
	if tail <= 0 {
		tail = domain.DefaultLogTail
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	logs, err := adapter.Logs(ctx, d, tail)
	if err != nil {
		f.log.Warn("log fetch failed, returning empty",
			zap.String("deployment_id", d.ID.String()),
			zap.String("provider", string(d.Provider)),
			zap.Error(err),
		)
		return []domain.LogEntry{}
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	return logs
}

func (f *Factory) write(
	ctx context.Context,
	d *domain.Deployment,
	op string,
	fn func(ctx context.Context, adapter domain.Adapter) error,
) error {
	adapter, err := f.Resolve(d.Provider)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := fn(ctx, adapter); err != nil {
		f.log.Error("adapter write operation failed",
			zap.String("deployment_id", d.ID.String()),
			zap.String("provider", string(d.Provider)),
			zap.String("operation", op),
			zap.Error(err),
		)
		return err
	}
	return nil
}
