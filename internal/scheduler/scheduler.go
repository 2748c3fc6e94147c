// Package scheduler runs the periodic billing batch for the process
// lifetime.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	billingdomain "github.com/agentloom/agentloom/internal/billing/domain"
	"github.com/agentloom/agentloom/internal/config"
)

const jobTimeout = 5 * time.Minute

// Scheduler invokes the billing roll-up on a fixed interval. The batch
// itself is idempotent, so a tight interval or an overlapping restart
// only costs duplicate reads.
type Scheduler struct {
	log      *zap.Logger
	billing  billingdomain.Service
	interval time.Duration
}

func New(log *zap.Logger, billing billingdomain.Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		log:      log.Named("scheduler"),
		billing:  billing,
		interval: interval,
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one bounded billing batch.
func (s *Scheduler) RunOnce(ctx context.Context) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	processed, err := s.billing.ProcessMonthlyBilling(jobCtx)
	if err != nil {
		s.log.Error("billing batch failed", zap.Error(err))
		return
	}
	s.log.Info("billing batch run", zap.Int("processed", processed))
}

var Module = fx.Module("scheduler",
	fx.Provide(provideScheduler),
	fx.Invoke(runScheduler),
)

func provideScheduler(cfg config.Config, log *zap.Logger, billing billingdomain.Service) *Scheduler {
	return New(log, billing, cfg.SchedulerInterval)
}

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
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
