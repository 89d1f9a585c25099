package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/uplinehq/matrix/internal/audit/domain"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	LadderProvider   rankdomain.LadderProvider
	QualificationSvc qualificationdomain.Service
	AuditSvc         auditdomain.Service
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	clock            clock.Clock
	ladderProvider   rankdomain.LadderProvider
	qualificationSvc qualificationdomain.Service
	auditSvc         auditdomain.Service
}

func NewService(p Params) rankdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("rank.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		ladderProvider:   p.LadderProvider,
		qualificationSvc: p.QualificationSvc,
		auditSvc:         p.AuditSvc,
	}
}

func (s *Service) TransitionAll(ctx context.Context, periodID snowflake.ID, batchSize int) (int, error) {
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
			changed, err := s.transitionMember(ctx, ladder, member, periodID)
			switch {
			case errors.Is(err, rankdomain.ErrUnknownRank):
				// Frozen member, alert already logged; retrying cannot
				// repair a corrupt rank key, so it must not hold up the
				// rest of the cohort.
				obsmetrics.Engine().IncMemberStageError(obsmetrics.StageTransition, err)
				continue
			case err != nil:
				jobErr = errors.Join(jobErr, err)
				obsmetrics.Engine().IncMemberStageError(obsmetrics.StageTransition, err)
				continue
			}
			if changed {
				processed++
			}
		}
		cursor = members[len(members)-1].ID
	}

	return processed, jobErr
}

func (s *Service) transitionMember(ctx context.Context, ladder rankdomain.Ladder, member memberdomain.Member, periodID snowflake.ID) (bool, error) {
	if _, err := ladder.ByKey(member.RankKey); err != nil {
		// Never default a member to an arbitrary rank; halt this member and
		// raise an operational alert instead.
		s.log.Error("rank ladder corruption detected",
			zap.String("alert", "rank_ladder_corruption"),
			zap.String("member_id", member.ID.String()),
			zap.String("rank_key", member.RankKey),
		)
		return false, err
	}

	target, reason, err := s.decide(ctx, ladder, member, periodID)
	if err != nil {
		return false, err
	}
	if target == "" || target == member.RankKey {
		return false, nil
	}

	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO rank_changes (id, member_id, period_id, from_rank_key, to_rank_key, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (member_id, period_id) DO NOTHING`,
			s.genID.Generate(),
			member.ID,
			periodID,
			member.RankKey,
			target,
			string(reason),
			s.clock.Now(),
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Already transitioned this period; replays stop here.
			return nil
		}
		changed = true
		return tx.WithContext(ctx).Model(&memberdomain.Member{}).
			Where("id = ?", member.ID).
			Updates(map[string]any{
				"rank_key":   target,
				"updated_at": s.clock.Now(),
			}).Error
	})
	if err != nil {
		return false, err
	}
	if changed {
		memberID := member.ID.String()
		action := "rank.promoted"
		if reason == rankdomain.ChangeReasonDemotion {
			action = "rank.demoted"
		}
		if auditErr := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeScheduler), nil, action, "member", &memberID, map[string]any{
			"from_rank_key": member.RankKey,
			"to_rank_key":   target,
			"period_id":     periodID.String(),
		}); auditErr != nil {
			s.log.Warn("failed to write rank audit log", zap.Error(auditErr))
		}
		s.log.Info("rank changed",
			zap.String("member_id", memberID),
			zap.String("from", member.RankKey),
			zap.String("to", target),
			zap.String("reason", string(reason)),
		)
	}
	return changed, nil
}

// decide returns the target rank key for one single-step move, or empty to
// stay. Promotion is judged against the next rank, demotion against the
// current one, floor clamped.
func (s *Service) decide(ctx context.Context, ladder rankdomain.Ladder, member memberdomain.Member, periodID snowflake.ID) (string, rankdomain.ChangeReason, error) {
	next, hasNext, err := ladder.Next(member.RankKey)
	if err != nil {
		return "", "", err
	}
	if hasNext {
		snapshot, err := s.qualificationSvc.SnapshotFor(ctx, member.ID, periodID, next.RankKey)
		if err != nil && !errors.Is(err, qualificationdomain.ErrSnapshotNotFound) {
			return "", "", err
		}
		if err == nil && snapshot.Status == qualificationdomain.StatusPass {
			return next.RankKey, rankdomain.ChangeReasonPromotion, nil
		}
	}

	snapshot, err := s.qualificationSvc.SnapshotFor(ctx, member.ID, periodID, member.RankKey)
	if err != nil {
		if errors.Is(err, qualificationdomain.ErrSnapshotNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	if snapshot.Status != qualificationdomain.StatusFail {
		return "", "", nil
	}

	previous, hasPrevious, err := ladder.Previous(member.RankKey)
	if err != nil {
		return "", "", err
	}
	if !hasPrevious {
		// Floor rank members stay put on a failed period.
		return "", "", nil
	}
	return previous.RankKey, rankdomain.ChangeReasonDemotion, nil
}

func (s *Service) ChangesForPeriod(ctx context.Context, periodID snowflake.ID) ([]rankdomain.RankChange, error) {
	var changes []rankdomain.RankChange
	err := s.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("created_at ASC, id ASC").
		Find(&changes).Error
	return changes, err
}
