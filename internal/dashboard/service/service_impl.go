package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	"github.com/uplinehq/matrix/internal/clock"
	dashboarddomain "github.com/uplinehq/matrix/internal/dashboard/domain"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix = "matrix:dashboard:"
	cacheTTL       = 30 * time.Second
	recentLimit    = 10
)

type Params struct {
	fx.In

	Log              *zap.Logger
	Clock            clock.Clock
	LadderProvider   rankdomain.LadderProvider
	MemberSvc        memberdomain.Service
	AggregateSvc     aggregatedomain.Service
	SupportSvc       supportdomain.Service
	QualificationSvc qualificationdomain.Service
	LedgerSvc        ledgerdomain.Service
	PeriodSvc        perioddomain.Service
	Redis            *redis.Client `optional:"true"`
}

type Service struct {
	log              *zap.Logger
	clock            clock.Clock
	ladderProvider   rankdomain.LadderProvider
	memberSvc        memberdomain.Service
	aggregateSvc     aggregatedomain.Service
	supportSvc       supportdomain.Service
	qualificationSvc qualificationdomain.Service
	ledgerSvc        ledgerdomain.Service
	periodSvc        perioddomain.Service
	redis            *redis.Client
}

func NewService(p Params) dashboarddomain.Service {
	return &Service{
		log:              p.Log.Named("dashboard.service"),
		clock:            p.Clock,
		ladderProvider:   p.LadderProvider,
		memberSvc:        p.MemberSvc,
		aggregateSvc:     p.AggregateSvc,
		supportSvc:       p.SupportSvc,
		qualificationSvc: p.QualificationSvc,
		ledgerSvc:        p.LedgerSvc,
		periodSvc:        p.PeriodSvc,
		redis:            p.Redis,
	}
}

func (s *Service) Get(ctx context.Context, memberID snowflake.ID) (dashboarddomain.MatrixDashboardData, error) {
	if cached, ok := s.fromCache(ctx, memberID); ok {
		return cached, nil
	}

	data, err := s.assemble(ctx, memberID)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}

	s.toCache(ctx, memberID, data)
	return data, nil
}

func (s *Service) assemble(ctx context.Context, memberID snowflake.ID) (dashboarddomain.MatrixDashboardData, error) {
	member, err := s.memberSvc.Get(ctx, memberID)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}

	ladder, err := s.ladderProvider.Ladder()
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	current, err := ladder.ByKey(member.RankKey)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	next, hasNext, err := ladder.Next(member.RankKey)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}

	data := dashboarddomain.MatrixDashboardData{
		CurrentRank: rankView(current),
	}
	if hasNext {
		view := rankView(next)
		data.NextRank = &view
	}

	counter, err := s.aggregateSvc.Counter(ctx, memberID)
	if err != nil && !errors.Is(err, aggregatedomain.ErrCounterNotFound) {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	data.TeamSize = counter.TeamSize
	data.ActiveTeamCount = counter.ActiveTeamCount

	balances, err := s.ledgerSvc.Balances(ctx, memberID)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	data.TotalEarningsCents = balances.TotalEarnedCents()
	data.PendingEarningsCents = balances.PendingCents

	periodStart := perioddomain.WeekStart(s.clock.Now())
	periodEnd := periodStart.AddDate(0, 0, 7)
	period, err := s.periodSvc.Current(ctx)
	switch {
	case err == nil:
		periodStart, periodEnd = period.StartsAt, period.EndsAt
		earned, err := s.ledgerSvc.PeriodEarnedCents(ctx, memberID, period.ID)
		if err != nil {
			return dashboarddomain.MatrixDashboardData{}, err
		}
		data.ThisPeriodEarningsCents = earned
	case errors.Is(err, perioddomain.ErrNotFound):
	default:
		return dashboarddomain.MatrixDashboardData{}, err
	}

	qualification, err := s.qualificationView(ctx, member, counter, periodStart, periodEnd, period)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	data.QualificationStatus = qualification

	entries, err := s.ledgerSvc.RecentEntries(ctx, memberID, recentLimit)
	if err != nil {
		return dashboarddomain.MatrixDashboardData{}, err
	}
	data.RecentEarnings = make([]dashboarddomain.EarningView, 0, len(entries))
	for _, entry := range entries {
		data.RecentEarnings = append(data.RecentEarnings, dashboarddomain.EarningView{
			SourceType:  entry.SourceType,
			AmountCents: entry.AmountCents,
			Status:      string(entry.Status),
			CreatedAt:   entry.CreatedAt,
			Metadata:    map[string]any(entry.Metadata),
		})
	}

	return data, nil
}

// qualificationView prefers the settled snapshot for the current period
// and falls back to a pending view over live counters before evaluation
// has run.
func (s *Service) qualificationView(
	ctx context.Context,
	member memberdomain.Member,
	counter aggregatedomain.MemberCounter,
	periodStart, periodEnd time.Time,
	period perioddomain.Period,
) (dashboarddomain.QualificationStatusView, error) {
	if period.ID != 0 {
		snapshot, err := s.qualificationSvc.SnapshotFor(ctx, member.ID, period.ID, member.RankKey)
		if err == nil {
			return dashboarddomain.QualificationStatusView{
				Status:              string(snapshot.Status),
				ActiveRecruitsCount: snapshot.ActiveRecruitsCount,
				TotalTeamSize:       snapshot.TeamSize,
				RetentionRate:       snapshot.RetentionBps,
				SupportActionsCount: snapshot.SupportActionsCount,
				Reasons:             append([]string{}, snapshot.Reasons...),
			}, nil
		}
		if !errors.Is(err, qualificationdomain.ErrSnapshotNotFound) {
			return dashboarddomain.QualificationStatusView{}, err
		}
	}

	supportCount, err := s.supportSvc.CountForPeriod(ctx, member.ID, periodStart, periodEnd)
	if err != nil {
		return dashboarddomain.QualificationStatusView{}, err
	}
	return dashboarddomain.QualificationStatusView{
		Status:              string(qualificationdomain.StatusPending),
		ActiveRecruitsCount: counter.ActiveRecruitsCount,
		TotalTeamSize:       counter.TeamSize,
		RetentionRate:       aggregatedomain.RetentionBps(counter.ActiveTeamCount, counter.TeamSize),
		SupportActionsCount: supportCount,
		Reasons:             []string{},
	}, nil
}

func (s *Service) fromCache(ctx context.Context, memberID snowflake.ID) (dashboarddomain.MatrixDashboardData, bool) {
	if s.redis == nil {
		return dashboarddomain.MatrixDashboardData{}, false
	}
	raw, err := s.redis.Get(ctx, cacheKeyPrefix+memberID.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Debug("dashboard cache read failed", zap.Error(err))
		}
		return dashboarddomain.MatrixDashboardData{}, false
	}
	var data dashboarddomain.MatrixDashboardData
	if err := json.Unmarshal(raw, &data); err != nil {
		return dashboarddomain.MatrixDashboardData{}, false
	}
	return data, true
}

func (s *Service) toCache(ctx context.Context, memberID snowflake.ID, data dashboarddomain.MatrixDashboardData) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKeyPrefix+memberID.String(), raw, cacheTTL).Err(); err != nil {
		s.log.Debug("dashboard cache write failed", zap.Error(err))
	}
}

func rankView(rank rankdomain.Rank) dashboarddomain.RankView {
	return dashboarddomain.RankView{
		RankKey:           rank.RankKey,
		RankName:          rank.RankName,
		WeeklyCapCents:    rank.WeeklyCapCents,
		EligibleDepth:     rank.EligibleDepth,
		MinActiveRecruits: rank.MinActiveRecruits,
		MinTeamSize:       rank.MinTeamSize,
	}
}
