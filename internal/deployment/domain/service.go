package domain

import (
	"context"
	"errors"
)

type CreateDeploymentRequest struct {
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Provider  Provider       `json:"provider"`
	Resources Resources      `json:"resources"`
	Config    map[string]any `json:"config"`
}

type ListDeploymentsRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// Service owns the deployment state machine. All mutation of the
// deployment record funnels through it.
type Service interface {
	Create(ctx context.Context, req CreateDeploymentRequest) (*Deployment, error)
	Get(ctx context.Context, id string) (*Deployment, error)
	List(ctx context.Context, req ListDeploymentsRequest) ([]*Deployment, error)

	// Deploy moves pending/stopped to running, or to failed on backend
	// error (the error is persisted and returned).
	Deploy(ctx context.Context, id string) (*Deployment, error)
	Stop(ctx context.Context, id string) (*Deployment, error)
	Start(ctx context.Context, id string) (*Deployment, error)
	// Delete undeploys from the backend, then soft-deletes the record when
	// it has billing history and hard-deletes it otherwise.
	Delete(ctx context.Context, id string) error

	// RefreshStatus polls the backend; the observed status is returned but
	// not persisted.
	RefreshStatus(ctx context.Context, id string) (Status, error)
	// Metrics polls the backend and overwrites the stored snapshot.
	Metrics(ctx context.Context, id string) (MetricsSnapshot, error)
	Logs(ctx context.Context, id string, tail int) ([]LogEntry, error)

	// ResolveName returns the display name for a deployment id, or a
	// synthesized fallback when the record no longer exists.
	ResolveName(ctx context.Context, id string) string
}

var (
	ErrUnsupportedProvider = errors.New("unsupported_deployment_provider")
	ErrDeploymentNotFound  = errors.New("deployment_not_found")
	ErrInvalidRequest      = errors.New("invalid_deployment_request")
	ErrInvalidTransition   = errors.New("invalid_status_transition")
)
