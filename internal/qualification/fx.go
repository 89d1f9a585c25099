package qualification

import (
	"github.com/uplinehq/matrix/internal/qualification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("qualification.service",
	fx.Provide(service.NewService),
)
