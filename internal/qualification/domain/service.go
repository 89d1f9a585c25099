package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusPending Status = "pending"
)

// Stable reason codes surfaced to the dashboard; order follows the check
// order in Evaluate.
const (
	ReasonActiveRecruitsBelowMinimum = "active_recruits_below_minimum"
	ReasonTeamSizeBelowMinimum       = "team_size_below_minimum"
	ReasonSupportActionsBelowMinimum = "support_actions_below_minimum"
	ReasonRetentionBelowMinimum      = "retention_below_minimum"
)

// QualificationSnapshot records one pass/fail verdict per member, period
// and target rank. Written even on pass and never mutated.
type QualificationSnapshot struct {
	ID                  snowflake.ID                 `gorm:"primaryKey"`
	MemberID            snowflake.ID                 `gorm:"not null;uniqueIndex:ux_qualification_snapshots_member_period_target,priority:1"`
	PeriodID            snowflake.ID                 `gorm:"not null;uniqueIndex:ux_qualification_snapshots_member_period_target,priority:2;index"`
	TargetRankKey       string                       `gorm:"type:text;not null;uniqueIndex:ux_qualification_snapshots_member_period_target,priority:3"`
	Status              Status                       `gorm:"type:text;not null"`
	ActiveRecruitsCount int64                        `gorm:"not null"`
	TeamSize            int64                        `gorm:"not null"`
	RetentionBps        int64                        `gorm:"not null"`
	SupportActionsCount int64                        `gorm:"not null"`
	Reasons             datatypes.JSONSlice[string]  `gorm:"type:jsonb"`
	CreatedAt           time.Time                    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (QualificationSnapshot) TableName() string { return "qualification_snapshots" }

// Counts is the frozen input a member is judged on.
type Counts struct {
	ActiveRecruitsCount int64
	TeamSize            int64
	RetentionBps        int64
	SupportActionsCount int64
}

// Evaluate checks every requirement of the target rank. A single miss
// fails the member; reasons list every unmet requirement in check order.
func Evaluate(target rankdomain.Rank, counts Counts) (Status, []string) {
	var reasons []string
	if counts.ActiveRecruitsCount < target.MinActiveRecruits {
		reasons = append(reasons, ReasonActiveRecruitsBelowMinimum)
	}
	if counts.TeamSize < target.MinTeamSize {
		reasons = append(reasons, ReasonTeamSizeBelowMinimum)
	}
	if counts.SupportActionsCount < target.MinSupportActions {
		reasons = append(reasons, ReasonSupportActionsBelowMinimum)
	}
	if counts.RetentionBps < target.MinRetentionBps {
		reasons = append(reasons, ReasonRetentionBelowMinimum)
	}
	if len(reasons) > 0 {
		return StatusFail, reasons
	}
	return StatusPass, nil
}

type Service interface {
	// EvaluateAll writes one snapshot per member against the current rank
	// and, where one exists, the next rank.
	EvaluateAll(ctx context.Context, periodID snowflake.ID, periodStart, periodEnd time.Time, batchSize int) (int, error)
	SnapshotFor(ctx context.Context, memberID, periodID snowflake.ID, targetRankKey string) (QualificationSnapshot, error)
}

var ErrSnapshotNotFound = errors.New("snapshot_not_found")
