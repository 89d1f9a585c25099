package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	LadderProvider rankdomain.LadderProvider
	AggregateSvc   aggregatedomain.Service
	SupportSvc     supportdomain.Service
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	ladderProvider rankdomain.LadderProvider
	aggregateSvc   aggregatedomain.Service
	supportSvc     supportdomain.Service
}

func NewService(p Params) qualificationdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("qualification.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		ladderProvider: p.LadderProvider,
		aggregateSvc:   p.AggregateSvc,
		supportSvc:     p.SupportSvc,
	}
}

func (s *Service) EvaluateAll(ctx context.Context, periodID snowflake.ID, periodStart, periodEnd time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	ladder, err := s.ladderProvider.Ladder()
	if err != nil {
		return 0, err
	}

	processed := 0
	var jobErr error
	var cursor snowflake.ID

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		var members []memberdomain.Member
		if err := s.db.WithContext(ctx).
			Where("id > ?", cursor).
			Order("id ASC").
			Limit(batchSize).
			Find(&members).Error; err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(members) == 0 {
			break
		}

		for _, member := range members {
			err := s.evaluateMember(ctx, ladder, member, periodID, periodStart, periodEnd)
			switch {
			case errors.Is(err, aggregatedomain.ErrSnapshotNotFound):
				// No frozen aggregates for this period: the member joined
				// after the snapshot stage and is evaluated next period.
				s.log.Debug("member deferred to next period",
					zap.String("member_id", member.ID.String()),
					zap.String("period_id", periodID.String()),
				)
				continue
			case errors.Is(err, rankdomain.ErrUnknownRank):
				// Frozen member, alert already logged; the rest of the
				// cohort keeps moving.
				obsmetrics.Engine().IncMemberStageError(obsmetrics.StageEvaluate, err)
				continue
			case err != nil:
				jobErr = errors.Join(jobErr, err)
				obsmetrics.Engine().IncMemberStageError(obsmetrics.StageEvaluate, err)
				continue
			}
			processed++
		}
		cursor = members[len(members)-1].ID
	}

	return processed, jobErr
}

func (s *Service) evaluateMember(ctx context.Context, ladder rankdomain.Ladder, member memberdomain.Member, periodID snowflake.ID, periodStart, periodEnd time.Time) error {
	current, err := ladder.ByKey(member.RankKey)
	if err != nil {
		// Ladder corruption halts evaluation for this member only and must
		// surface operationally; defaulting to another rank would corrupt
		// payouts silently.
		s.log.Error("rank ladder corruption detected",
			zap.String("alert", "rank_ladder_corruption"),
			zap.String("member_id", member.ID.String()),
			zap.String("rank_key", member.RankKey),
		)
		return err
	}

	snapshot, err := s.aggregateSvc.SnapshotFor(ctx, member.ID, periodID)
	if err != nil {
		return err
	}
	supportCount, err := s.supportSvc.CountForPeriod(ctx, member.ID, periodStart, periodEnd)
	if err != nil {
		return err
	}

	counts := qualificationdomain.Counts{
		ActiveRecruitsCount: snapshot.ActiveRecruitsCount,
		TeamSize:            snapshot.TeamSize,
		RetentionBps:        snapshot.RetentionBps,
		SupportActionsCount: supportCount,
	}

	if err := s.writeSnapshot(ctx, member.ID, periodID, current, counts); err != nil {
		return err
	}

	next, hasNext, err := ladder.Next(member.RankKey)
	if err != nil {
		return err
	}
	if !hasNext {
		return nil
	}
	return s.writeSnapshot(ctx, member.ID, periodID, next, counts)
}

func (s *Service) writeSnapshot(ctx context.Context, memberID, periodID snowflake.ID, target rankdomain.Rank, counts qualificationdomain.Counts) error {
	status, reasons := qualificationdomain.Evaluate(target, counts)
	if reasons == nil {
		reasons = []string{}
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO qualification_snapshots (
			id, member_id, period_id, target_rank_key, status,
			active_recruits_count, team_size, retention_bps, support_actions_count,
			reasons, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_id, period_id, target_rank_key) DO NOTHING`,
		s.genID.Generate(),
		memberID,
		periodID,
		target.RankKey,
		string(status),
		counts.ActiveRecruitsCount,
		counts.TeamSize,
		counts.RetentionBps,
		counts.SupportActionsCount,
		datatypes.NewJSONSlice(reasons),
		s.clock.Now(),
	).Error
}

func (s *Service) SnapshotFor(ctx context.Context, memberID, periodID snowflake.ID, targetRankKey string) (qualificationdomain.QualificationSnapshot, error) {
	var snapshot qualificationdomain.QualificationSnapshot
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND period_id = ? AND target_rank_key = ?", memberID, periodID, targetRankKey).
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return qualificationdomain.QualificationSnapshot{}, qualificationdomain.ErrSnapshotNotFound
	}
	return snapshot, err
}
