package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"gorm.io/gorm"
)

// MemberCounter holds the live, incrementally maintained downline counters
// for one member. Counter writes propagate up the ancestor chain, so one
// event costs O(depth), never a subtree scan.
type MemberCounter struct {
	MemberID            snowflake.ID `gorm:"primaryKey"`
	TeamSize            int64        `gorm:"not null;default:0"`
	ActiveTeamCount     int64        `gorm:"not null;default:0"`
	ActiveRecruitsCount int64        `gorm:"not null;default:0"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (MemberCounter) TableName() string { return "member_counters" }

// AggregateSnapshot freezes a member's counters for one period. Immutable
// once written. RetentionBps is basis points of active descendants over
// team size, zero for an empty team.
type AggregateSnapshot struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	MemberID            snowflake.ID `gorm:"not null;uniqueIndex:ux_aggregate_snapshots_member_period,priority:1"`
	PeriodID            snowflake.ID `gorm:"not null;uniqueIndex:ux_aggregate_snapshots_member_period,priority:2;index"`
	TeamSize            int64        `gorm:"not null"`
	ActiveTeamCount     int64        `gorm:"not null"`
	ActiveRecruitsCount int64        `gorm:"not null"`
	RetentionBps        int64        `gorm:"not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AggregateSnapshot) TableName() string { return "aggregate_snapshots" }

type Service interface {
	// Apply* run inside the Tree Store's transaction so structure and
	// counters commit atomically.
	ApplyMemberCreated(ctx context.Context, tx *gorm.DB, m memberdomain.Member) error
	ApplyStatusChange(ctx context.Context, tx *gorm.DB, m memberdomain.Member, from, to memberdomain.SubscriptionStatus) error

	Snapshot(ctx context.Context, memberID, periodID snowflake.ID) (AggregateSnapshot, error)
	SnapshotAll(ctx context.Context, periodID snowflake.ID, batchSize int) (int, error)
	Counter(ctx context.Context, memberID snowflake.ID) (MemberCounter, error)
	SnapshotFor(ctx context.Context, memberID, periodID snowflake.ID) (AggregateSnapshot, error)
}

var (
	ErrCounterNotFound  = errors.New("counter_not_found")
	ErrSnapshotNotFound = errors.New("snapshot_not_found")
)

// RetentionBps computes active/team as basis points with integer math only.
func RetentionBps(activeTeamCount, teamSize int64) int64 {
	if teamSize <= 0 {
		return 0
	}
	return activeTeamCount * 10_000 / teamSize
}
