package support

import (
	"github.com/uplinehq/matrix/internal/support/service"
	"go.uber.org/fx"
)

var Module = fx.Module("support.service",
	fx.Provide(service.NewService),
)
