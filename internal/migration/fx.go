package migration

import (
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	auditdomain "github.com/uplinehq/matrix/internal/audit/domain"
	"github.com/uplinehq/matrix/internal/config"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql are development targets only; for those the gorm
		// models are the schema source of truth.
		return AutoMigrate(conn)
	}),
)

// AutoMigrate creates the schema from the gorm models. Tests and the
// non-postgres development path use it instead of the SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&memberdomain.Member{},
		&memberdomain.IngestEvent{},
		&aggregatedomain.MemberCounter{},
		&aggregatedomain.AggregateSnapshot{},
		&supportdomain.SupportAction{},
		&qualificationdomain.QualificationSnapshot{},
		&rankdomain.RankChange{},
		&ledgerdomain.EarningEntry{},
		&perioddomain.Period{},
		&auditdomain.AuditLog{},
	)
}
