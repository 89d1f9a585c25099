package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SupportAction is an append-only record of one coaching or assistance
// action taken by a member, counted per period toward qualification.
type SupportAction struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	MemberID   snowflake.ID `gorm:"not null;index:idx_support_actions_member_created,priority:1"`
	ActionType string       `gorm:"type:text;not null"`
	EventID    *string      `gorm:"type:text;uniqueIndex"`
	CreatedAt  time.Time    `gorm:"not null;index:idx_support_actions_member_created,priority:2"`
}

func (SupportAction) TableName() string { return "support_actions" }

type RecordRequest struct {
	MemberID   snowflake.ID
	ActionType string
	EventID    string
	OccurredAt time.Time
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (SupportAction, error)
	CountForPeriod(ctx context.Context, memberID snowflake.ID, periodStart, periodEnd time.Time) (int64, error)
}

var (
	ErrInvalidActionType = errors.New("invalid_action_type")
	ErrUnknownMember     = errors.New("unknown_member")
	ErrDuplicateEvent    = errors.New("duplicate_event")
)
