package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// The JSON field names below are a compatibility contract with the mobile
// dashboard and must not change.

type RankView struct {
	RankKey           string `json:"rank_key"`
	RankName          string `json:"rank_name"`
	WeeklyCapCents    int64  `json:"weekly_cap_cents"`
	EligibleDepth     int    `json:"eligible_depth"`
	MinActiveRecruits int64  `json:"min_active_recruits"`
	MinTeamSize       int64  `json:"min_team_size"`
}

type QualificationStatusView struct {
	Status              string   `json:"status"`
	ActiveRecruitsCount int64    `json:"active_recruits_count"`
	TotalTeamSize       int64    `json:"total_team_size"`
	RetentionRate       int64    `json:"retention_rate"`
	SupportActionsCount int64    `json:"support_actions_count"`
	Reasons             []string `json:"reasons"`
}

type EarningView struct {
	SourceType  string         `json:"source_type"`
	AmountCents int64          `json:"amount_cents"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata"`
}

type MatrixDashboardData struct {
	CurrentRank             RankView                `json:"current_rank"`
	NextRank                *RankView               `json:"next_rank"`
	TotalEarningsCents      int64                   `json:"total_earnings_cents"`
	PendingEarningsCents    int64                   `json:"pending_earnings_cents"`
	ThisPeriodEarningsCents int64                   `json:"this_period_earnings_cents"`
	TeamSize                int64                   `json:"team_size"`
	ActiveTeamCount         int64                   `json:"active_team_count"`
	QualificationStatus     QualificationStatusView `json:"qualification_status"`
	RecentEarnings          []EarningView           `json:"recent_earnings"`
}

type Service interface {
	Get(ctx context.Context, memberID snowflake.ID) (MatrixDashboardData, error)
}
