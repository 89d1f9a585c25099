package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/uplinehq/matrix/internal/aggregate"
	"github.com/uplinehq/matrix/internal/audit"
	"github.com/uplinehq/matrix/internal/clock"
	"github.com/uplinehq/matrix/internal/config"
	"github.com/uplinehq/matrix/internal/dashboard"
	"github.com/uplinehq/matrix/internal/ledger"
	"github.com/uplinehq/matrix/internal/member"
	"github.com/uplinehq/matrix/internal/migration"
	"github.com/uplinehq/matrix/internal/observability"
	"github.com/uplinehq/matrix/internal/period"
	"github.com/uplinehq/matrix/internal/qualification"
	"github.com/uplinehq/matrix/internal/rank"
	"github.com/uplinehq/matrix/internal/redis"
	"github.com/uplinehq/matrix/internal/server"
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

		audit.Module,
		member.Module,
		aggregate.Module,
		support.Module,
		rank.Module,
		qualification.Module,
		ledger.Module,
		period.Module,
		dashboard.Module,

		// No scheduler module, the API serves ingest and reads only.
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
