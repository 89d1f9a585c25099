package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ChangeReason string

const (
	ChangeReasonPromotion ChangeReason = "promotion"
	ChangeReasonDemotion  ChangeReason = "demotion"
)

// RankChange is the immutable trajectory log. The unique index on
// (member_id, period_id) caps movement at one step per member per period.
type RankChange struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	MemberID    snowflake.ID `gorm:"not null;uniqueIndex:ux_rank_changes_member_period,priority:1"`
	PeriodID    snowflake.ID `gorm:"not null;uniqueIndex:ux_rank_changes_member_period,priority:2;index"`
	FromRankKey string       `gorm:"type:text;not null"`
	ToRankKey   string       `gorm:"type:text;not null"`
	Reason      ChangeReason `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (RankChange) TableName() string { return "rank_changes" }

type Service interface {
	// TransitionAll applies at most one ladder step per member for the
	// period, reading the period's qualification snapshots.
	TransitionAll(ctx context.Context, periodID snowflake.ID, batchSize int) (int, error)
	ChangesForPeriod(ctx context.Context, periodID snowflake.ID) ([]RankChange, error)
}
