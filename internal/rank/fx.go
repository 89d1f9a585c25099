package rank

import (
	"github.com/uplinehq/matrix/internal/rank/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rank.service",
	fx.Provide(service.NewLadderProvider),
	fx.Provide(service.NewService),
)
