package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PeriodStatus string

const (
	PeriodStatusOpen       PeriodStatus = "open"
	PeriodStatusEvaluating PeriodStatus = "evaluating"
	PeriodStatusSettled    PeriodStatus = "settled"
)

// Period is one weekly settlement cycle. Each stage stamps its own
// checkpoint column, so a crashed cycle resumes at the first unstamped
// stage instead of restarting.
type Period struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	StartsAt               time.Time    `gorm:"not null;uniqueIndex"`
	EndsAt                 time.Time    `gorm:"not null;index"`
	Status                 PeriodStatus `gorm:"type:text;not null;index"`
	SnapshotsCompletedAt   *time.Time
	EvaluationsCompletedAt *time.Time
	TransitionsCompletedAt *time.Time
	SettledAt              *time.Time
	LastError              *string   `gorm:"type:text"`
	CreatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Period) TableName() string { return "periods" }

// WeekStart truncates t to the enclosing Monday 00:00 UTC boundary.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	// time.Weekday counts Sunday as 0.
	daysSinceMonday := (weekday + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -daysSinceMonday)
}

type Service interface {
	// EnsureCurrent creates the enclosing weekly period if missing and
	// returns it. Creation is exactly-once per starts_at.
	EnsureCurrent(ctx context.Context) (Period, error)
	Current(ctx context.Context) (Period, error)
	// NextUnsettled returns the earliest ended period that has not settled.
	NextUnsettled(ctx context.Context) (Period, error)
	Get(ctx context.Context, periodID snowflake.ID) (Period, error)

	MarkEvaluating(ctx context.Context, periodID snowflake.ID) error
	MarkSnapshotsComplete(ctx context.Context, periodID snowflake.ID) error
	MarkEvaluationsComplete(ctx context.Context, periodID snowflake.ID) error
	MarkTransitionsComplete(ctx context.Context, periodID snowflake.ID) error
	MarkSettled(ctx context.Context, periodID snowflake.ID) error
	RecordError(ctx context.Context, periodID snowflake.ID, cause error) error
}

var (
	ErrNotFound    = errors.New("period_not_found")
	ErrNoPeriodDue = errors.New("no_period_due")
)
