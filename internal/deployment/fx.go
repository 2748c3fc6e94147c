// Package deployment wires the provider adapters, the factory, and the
// deployment service into the fx graph.
package deployment

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment/cloudrun"
	"github.com/agentloom/agentloom/internal/deployment/domain"
	"github.com/agentloom/agentloom/internal/deployment/factory"
	"github.com/agentloom/agentloom/internal/deployment/kubernetes"
	"github.com/agentloom/agentloom/internal/deployment/lambda"
	"github.com/agentloom/agentloom/internal/deployment/service"
	"github.com/agentloom/agentloom/pkg/repository"
)

var Module = fx.Module("deployment",
	fx.Provide(
		provideAdapters,
		provideFactory,
		repository.ProvideStore[domain.Deployment],
		service.NewService,
	),
)

// provideAdapters builds every backend adapter whose credentials are
// available. A backend that fails to initialize is skipped, not fatal:
// deployments targeting it are rejected at dispatch time instead.
func provideAdapters(cfg config.Config, log *zap.Logger) []domain.Adapter {
	ctx := context.Background()
	var adapters []domain.Adapter

	if adapter, err := kubernetes.NewFromConfig(cfg.Kubernetes, log); err != nil {
		log.Warn("kubernetes adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, adapter)
	}

	if adapter, err := lambda.NewFromConfig(ctx, cfg.AWS, log); err != nil {
		log.Warn("lambda adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, adapter)
	}

	if adapter, err := cloudrun.NewFromConfig(ctx, cfg.CloudRun, log); err != nil {
		log.Warn("cloud run adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, adapter)
	}

	return adapters
}

func provideFactory(cfg config.Config, log *zap.Logger, adapters []domain.Adapter) *factory.Factory {
	return factory.New(log, adapters, factory.WithTimeout(cfg.AdapterTimeout))
}
