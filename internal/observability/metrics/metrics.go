// Package metrics captures platform health signals: ingest volume,
// provider operations, and billing batch outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics exposes the application-level instruments.
type Metrics struct {
	usageEvents  *prometheus.CounterVec
	deployOps    *prometheus.CounterVec
	billingRuns  *prometheus.CounterVec
	billingUsers prometheus.Counter
}

// New registers the instruments on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on an explicit registerer; tests pass a
// fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloom_usage_events_total",
			Help: "Usage events folded into daily aggregates.",
		}, []string{"result"}),
		deployOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloom_deployment_operations_total",
			Help: "Deployment operations dispatched to provider backends.",
		}, []string{"provider", "operation", "result"}),
		billingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloom_billing_runs_total",
			Help: "Monthly billing batch runs.",
		}, []string{"result"}),
		billingUsers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentloom_billing_users_processed_total",
			Help: "Users whose monthly record was generated by the batch.",
		}),
	}

	reg.MustRegister(m.usageEvents, m.deployOps, m.billingRuns, m.billingUsers)
	return m
}

func (m *Metrics) RecordUsageEvent(ok bool) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) RecordDeploymentOperation(provider, operation string, ok bool) {
	if m == nil {
		return
	}
	m.deployOps.WithLabelValues(provider, operation, result(ok)).Inc()
}

func (m *Metrics) RecordBillingRun(ok bool, users int) {
	if m == nil {
		return
	}
	m.billingRuns.WithLabelValues(result(ok)).Inc()
	if users > 0 {
		m.billingUsers.Add(float64(users))
	}
}

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultError
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
