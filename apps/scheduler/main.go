package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/uplinehq/matrix/internal/aggregate"
	"github.com/uplinehq/matrix/internal/audit"
	"github.com/uplinehq/matrix/internal/clock"
	"github.com/uplinehq/matrix/internal/config"
	"github.com/uplinehq/matrix/internal/ledger"
	"github.com/uplinehq/matrix/internal/member"
	"github.com/uplinehq/matrix/internal/migration"
	"github.com/uplinehq/matrix/internal/observability"
	"github.com/uplinehq/matrix/internal/period"
	"github.com/uplinehq/matrix/internal/qualification"
	"github.com/uplinehq/matrix/internal/rank"
	"github.com/uplinehq/matrix/internal/redis"
	"github.com/uplinehq/matrix/internal/scheduler"
	"github.com/uplinehq/matrix/internal/support"
	"github.com/uplinehq/matrix/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		redis.Module,

		// Domain services required by the settlement pipeline
		scheduler.Module,
		period.Module,
		aggregate.Module,
		qualification.Module,
		rank.Module,
		ledger.Module,
		support.Module,
		member.Module,
		audit.Module,

		// No server module!
		fx.Invoke(StartScheduler),
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

func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
