// Package usage wires the aggregator service and the client-side
// batcher into the fx graph.
package usage

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/agentloom/agentloom/internal/usage/batch"
	"github.com/agentloom/agentloom/internal/usage/domain"
	"github.com/agentloom/agentloom/internal/usage/service"
	"github.com/agentloom/agentloom/pkg/repository"
)

var Module = fx.Module("usage",
	fx.Provide(
		service.NewService,
		repository.ProvideStore[domain.DailyUsage],
		provideBatcher,
	),
	fx.Invoke(runBatcher),
)

func provideBatcher(svc domain.Service, log *zap.Logger) *batch.Batcher {
	return batch.New(svc, log)
}

// runBatcher keeps the interval flush alive for the process lifetime.
func runBatcher(lc fx.Lifecycle, b *batch.Batcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				b.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
