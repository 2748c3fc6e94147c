package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/agentloom/agentloom/internal/config"
)

const (
	keyIngestDeployment = "usage:ingest:deployment:%s"
	keyIngestUser       = "usage:ingest:user:%s"

	deploymentRate  = 50.0
	deploymentBurst = 100
	userRate        = 200.0
	userBurst       = 400
)

// IngestLimiter bounds the usage ingest endpoint per deployment and
// per user. A nil limiter (no Redis configured) allows everything.
type IngestLimiter struct {
	bucket *TokenBucket
}

func NewIngestLimiter(cfg config.Config) *IngestLimiter {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return &IngestLimiter{bucket: NewTokenBucket(client)}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IngestLimiter) AllowDeployment(ctx context.Context, deploymentID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyIngestDeployment, strings.TrimSpace(deploymentID))
	return l.bucket.Allow(ctx, key, deploymentRate, deploymentBurst)
}

func (l *IngestLimiter) AllowUser(ctx context.Context, userID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyIngestUser, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, userRate, userBurst)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewIngestLimiter),
)
