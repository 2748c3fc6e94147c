// Package service implements the deployment state machine on top of
// the provider factory and the record store.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/agentloom/agentloom/internal/clock"
	"github.com/agentloom/agentloom/internal/deployment/domain"
	"github.com/agentloom/agentloom/internal/deployment/factory"
	usagedomain "github.com/agentloom/agentloom/internal/usage/domain"
	"github.com/agentloom/agentloom/pkg/db/option"
	"github.com/agentloom/agentloom/pkg/repository"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Node      *snowflake.Node
	Clock     clock.Clock
	Factory   *factory.Factory
	Repo      repository.Repository[domain.Deployment]
	UsageRepo repository.Repository[usagedomain.DailyUsage]
}

type deploymentService struct {
	log       *zap.Logger
	node      *snowflake.Node
	clock     clock.Clock
	factory   *factory.Factory
	repo      repository.Repository[domain.Deployment]
	usageRepo repository.Repository[usagedomain.DailyUsage]
}

func NewService(p Params) domain.Service {
	return &deploymentService{
		log:       p.Log.Named("deployment.service"),
		node:      p.Node,
		clock:     p.Clock,
		factory:   p.Factory,
		repo:      p.Repo,
		usageRepo: p.UsageRepo,
	}
}

func (s *deploymentService) Create(ctx context.Context, req domain.CreateDeploymentRequest) (*domain.Deployment, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalidRequest)
	}
	if req.AgentID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: agent_id and user_id are required", domain.ErrInvalidRequest)
	}
	if _, err := s.factory.Resolve(req.Provider); err != nil {
		return nil, err
	}
	agentID, err := snowflake.ParseString(req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed agent_id", domain.ErrInvalidRequest)
	}
	userID, err := snowflake.ParseString(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidRequest)
	}

	now := s.clock.Now().UTC()
	d := &domain.Deployment{
		ID:        s.node.Generate(),
		AgentID:   agentID,
		UserID:    userID,
		Name:      strings.TrimSpace(req.Name),
		Provider:  normalizeProvider(req.Provider),
		Status:    domain.StatusPending,
		Resources: datatypes.NewJSONType(req.Resources),
		Config:    datatypes.JSONMap(req.Config),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("deployment created",
		zap.String("deployment_id", d.ID.String()),
		zap.String("provider", string(d.Provider)),
	)
	return d, nil
}

func (s *deploymentService) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.load(ctx, id)
}

func (s *deploymentService) List(ctx context.Context, req domain.ListDeploymentsRequest) ([]*domain.Deployment, error) {
	filter := &domain.Deployment{}
	if req.UserID != "" {
		userID, err := snowflake.ParseString(req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed user_id", domain.ErrInvalidRequest)
		}
		filter.UserID = userID
	}

	opts := []option.QueryOption{option.WithOrder("created_at DESC")}
	if req.Limit > 0 {
		opts = append(opts, option.WithLimit(req.Limit))
	}

	all, err := s.repo.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}

	// Soft-deleted records are history, not inventory.
	result := make([]*domain.Deployment, 0, len(all))
	for _, d := range all {
		if d.Status != domain.StatusDeleted {
			result = append(result, d)
		}
	}
	return result, nil
}

// Deploy pushes the record to the backend. A backend failure marks the
// record failed, logs the reason inline, and still surfaces the error.
func (s *deploymentService) Deploy(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case domain.StatusPending, domain.StatusStopped, domain.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: cannot deploy from %s", domain.ErrInvalidTransition, d.Status)
	}

	if err := s.factory.Deploy(ctx, d); err != nil {
		s.transition(ctx, d, domain.StatusFailed, fmt.Sprintf("deploy failed: %v", err))
		return d, err
	}

	s.transition(ctx, d, domain.StatusRunning, "deployed to backend")
	return d, nil
}

func (s *deploymentService) Stop(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.StatusRunning {
		return nil, fmt.Errorf("%w: cannot stop from %s", domain.ErrInvalidTransition, d.Status)
	}

	if err := s.factory.Stop(ctx, d); err != nil {
		return d, err
	}

	s.transition(ctx, d, domain.StatusStopped, "stopped")
	return d, nil
}

func (s *deploymentService) Start(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != domain.StatusStopped {
		return nil, fmt.Errorf("%w: cannot start from %s", domain.ErrInvalidTransition, d.Status)
	}

	if err := s.factory.Start(ctx, d); err != nil {
		s.transition(ctx, d, domain.StatusFailed, fmt.Sprintf("start failed: %v", err))
		return d, err
	}

	s.transition(ctx, d, domain.StatusRunning, "started")
	return d, nil
}

// Delete tears down the backend workload first. The record is kept as
// a soft-deleted tombstone when usage history references it, so past
// billing periods keep resolving; otherwise the row is removed.
func (s *deploymentService) Delete(ctx context.Context, id string) error {
	d, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	if err := s.factory.Delete(ctx, d); err != nil {
		return err
	}

	usageRows, err := s.usageRepo.Count(ctx, &usagedomain.DailyUsage{DeploymentID: d.ID})
	if err != nil {
		return err
	}
	if usageRows > 0 {
		s.transition(ctx, d, domain.StatusDeleted, "deleted (usage history retained)")
		return nil
	}

	if err := s.repo.Delete(ctx, d.ID.String()); err != nil {
		return err
	}
	s.log.Info("deployment removed", zap.String("deployment_id", d.ID.String()))
	return nil
}

func (s *deploymentService) RefreshStatus(ctx context.Context, id string) (domain.Status, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return s.factory.Status(ctx, d), nil
}

// Metrics polls the backend and overwrites the stored snapshot
// wholesale.
func (s *deploymentService) Metrics(ctx context.Context, id string) (domain.MetricsSnapshot, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}

	observed := s.factory.Metrics(ctx, d)
	snapshot := domain.MetricsSnapshot{
		CPUUsage:     observed.CPUUsage,
		MemoryUsage:  observed.MemoryUsage,
		RequestCount: observed.RequestCount,
		ResponseTime: observed.ResponseTime,
		ErrorRate:    observed.ErrorRate,
		UpdatedAt:    s.clock.Now().UTC(),
	}

	err = s.repo.Update(ctx, d.ID.String(), map[string]any{
		"metrics":    datatypes.NewJSONType(snapshot),
		"updated_at": snapshot.UpdatedAt,
	})
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	return snapshot, nil
}

func (s *deploymentService) Logs(ctx context.Context, id string, tail int) ([]domain.LogEntry, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.factory.Logs(ctx, d, tail), nil
}

func (s *deploymentService) ResolveName(ctx context.Context, id string) string {
	d, err := s.load(ctx, id)
	if err != nil || d.Name == "" {
		return fmt.Sprintf("Deployment %s", id)
	}
	return d.Name
}

func (s *deploymentService) load(ctx context.Context, id string) (*domain.Deployment, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return nil, domain.ErrDeploymentNotFound
	}
	d, err := s.repo.FindOne(ctx, &domain.Deployment{ID: parsed})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrDeploymentNotFound
	}
	return d, nil
}

// transition persists a status change together with an inline log
// entry. Persistence failures are logged, not surfaced: the backend
// operation already happened.
func (s *deploymentService) transition(ctx context.Context, d *domain.Deployment, status domain.Status, message string) {
	now := s.clock.Now().UTC()
	d.Status = status
	d.AppendLog(domain.LogEntry{Timestamp: now, Level: "info", Message: message})

	err := s.repo.Update(ctx, d.ID.String(), map[string]any{
		"status":     status,
		"logs":       d.Logs,
		"updated_at": now,
	})
	if err != nil {
		s.log.Error("persist status transition",
			zap.String("deployment_id", d.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func normalizeProvider(p domain.Provider) domain.Provider {
	return domain.Provider(strings.ToLower(strings.TrimSpace(string(p))))
}
