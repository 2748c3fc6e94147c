package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/agentloom/agentloom/internal/billing"
	"github.com/agentloom/agentloom/internal/clock"
	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment"
	"github.com/agentloom/agentloom/internal/migration"
	obsmetrics "github.com/agentloom/agentloom/internal/observability/metrics"
	"github.com/agentloom/agentloom/internal/ratelimit"
	"github.com/agentloom/agentloom/internal/scheduler"
	"github.com/agentloom/agentloom/internal/server"
	"github.com/agentloom/agentloom/internal/usage"
	"github.com/agentloom/agentloom/pkg/db"
	"github.com/agentloom/agentloom/pkg/log"
)

func main() {
	app := fx.New(
		// Core infrastructure.
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		obsmetrics.Module,
		ratelimit.Module,

		// Functional domains.
		deployment.Module,
		usage.Module,
		billing.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
