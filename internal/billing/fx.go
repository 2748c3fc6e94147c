// Package billing wires the roll-up engine into the fx graph.
package billing

import (
	"go.uber.org/fx"

	"github.com/agentloom/agentloom/internal/billing/service"
)

var Module = fx.Module("billing",
	fx.Provide(service.NewService),
)
