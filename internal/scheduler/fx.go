package scheduler

import (
	"github.com/uplinehq/matrix/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewConfig),
	fx.Provide(New),
)

func NewConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerInterval,
		BatchSize:   cfg.SchedulerBatchSize,
	}.withDefaults()
}
