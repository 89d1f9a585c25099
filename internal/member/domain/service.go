package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Member is one node of the recruitment tree. Parent links are immutable
// after creation, so the structure stays a forest without runtime cycle
// checks.
type Member struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	ParentID           *snowflake.ID      `gorm:"index"`
	Depth              int                `gorm:"not null"`
	RankKey            string             `gorm:"type:text;not null"`
	JoinedAt           time.Time          `gorm:"not null"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:text;not null;index"`
	EventID            *string            `gorm:"type:text;uniqueIndex"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Member) TableName() string { return "members" }

// IngestEvent dedupes replayed external events that mutate existing rows.
type IngestEvent struct {
	EventID   string    `gorm:"primaryKey;type:text"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (IngestEvent) TableName() string { return "ingest_events" }

type AddMemberRequest struct {
	ParentID *snowflake.ID
	JoinedAt time.Time
	Active   bool
	EventID  string
}

type Service interface {
	AddMember(ctx context.Context, req AddMemberRequest) (Member, error)
	RecordSubscriptionChange(ctx context.Context, memberID snowflake.ID, status SubscriptionStatus, eventID string) error
	Get(ctx context.Context, memberID snowflake.ID) (Member, error)
}

var (
	ErrInvalidParent  = errors.New("invalid_parent")
	ErrInvalidStatus  = errors.New("invalid_status")
	ErrNotFound       = errors.New("not_found")
	ErrDuplicateEvent = errors.New("duplicate_event")
)

// ValidStatus reports whether s is one of the recognized subscription states.
func ValidStatus(s SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	}
	return false
}
