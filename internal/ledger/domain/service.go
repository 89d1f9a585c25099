package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "pending"
	EntryStatusEligible EntryStatus = "eligible"
	EntryStatusPaid     EntryStatus = "paid"
	// Capped is terminal and non-payable; the amount stays on the books so
	// every generated cent remains accounted for.
	EntryStatusCapped EntryStatus = "capped"
)

// EarningEntry is one append-only commission ledger row. Balances are sums
// over entries by status; there is no mutable balance column to drift.
type EarningEntry struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	BeneficiaryMemberID snowflake.ID      `gorm:"not null;index:idx_earning_entries_beneficiary_period,priority:1"`
	SourceMemberID      snowflake.ID      `gorm:"not null;index"`
	SourceType          string            `gorm:"type:text;not null"`
	AmountCents         int64             `gorm:"not null"`
	Status              EntryStatus       `gorm:"type:text;not null;index"`
	PeriodID            snowflake.ID      `gorm:"not null;index:idx_earning_entries_beneficiary_period,priority:2;index"`
	IdempotencyKey      *string           `gorm:"type:text;uniqueIndex"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null"`
	SettledAt           *time.Time
	PaidAt              *time.Time
}

func (EarningEntry) TableName() string { return "earning_entries" }

type RecordRequest struct {
	BeneficiaryID  snowflake.ID
	SourceID       snowflake.ID
	SourceType     string
	AmountCents    int64
	PeriodID       snowflake.ID
	IdempotencyKey string
	Metadata       map[string]any
}

type SettleResult struct {
	Eligible int
	Capped   int
}

// Balances are derived sums per status bucket.
type Balances struct {
	PendingCents  int64
	EligibleCents int64
	PaidCents     int64
	CappedCents   int64
}

// TotalEarnedCents is the payable total: settled plus already paid.
func (b Balances) TotalEarnedCents() int64 {
	return b.EligibleCents + b.PaidCents
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (EarningEntry, error)
	Settle(ctx context.Context, periodID snowflake.ID) (SettleResult, error)
	MarkPaid(ctx context.Context, entryIDs []snowflake.ID) error
	Balances(ctx context.Context, memberID snowflake.ID) (Balances, error)
	PeriodEarnedCents(ctx context.Context, memberID, periodID snowflake.ID) (int64, error)
	RecentEntries(ctx context.Context, memberID snowflake.ID, limit int) ([]EarningEntry, error)
}

var (
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidSourceType        = errors.New("invalid_source_type")
	ErrUnknownMember            = errors.New("unknown_member")
	ErrBeneficiaryDepthExceeded = errors.New("beneficiary_depth_exceeded")
	ErrSourceOutsideSubtree     = errors.New("source_outside_subtree")
	ErrEntryNotFound            = errors.New("entry_not_found")
	ErrEntryNotEligible         = errors.New("entry_not_eligible")
	ErrDuplicateEvent           = errors.New("duplicate_event")
)
