package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) aggregatedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("aggregate.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) ApplyMemberCreated(ctx context.Context, tx *gorm.DB, m memberdomain.Member) error {
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO member_counters (member_id, team_size, active_team_count, active_recruits_count, updated_at)
		VALUES (?, 0, 0, 0, ?)
		ON CONFLICT (member_id) DO NOTHING`,
		m.ID, now,
	).Error; err != nil {
		return err
	}

	ancestors, err := ancestorIDs(ctx, tx, m)
	if err != nil {
		return err
	}
	if len(ancestors) == 0 {
		return nil
	}

	active := m.SubscriptionStatus == memberdomain.SubscriptionStatusActive
	activeDelta := 0
	if active {
		activeDelta = 1
	}
	if err := tx.WithContext(ctx).Exec(
		`UPDATE member_counters
		SET team_size = team_size + 1,
		    active_team_count = active_team_count + ?,
		    updated_at = ?
		WHERE member_id IN ?`,
		activeDelta, now, ancestors,
	).Error; err != nil {
		return err
	}

	if m.ParentID != nil && active {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE member_counters
			SET active_recruits_count = active_recruits_count + 1, updated_at = ?
			WHERE member_id = ?`,
			now, *m.ParentID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) ApplyStatusChange(ctx context.Context, tx *gorm.DB, m memberdomain.Member, from, to memberdomain.SubscriptionStatus) error {
	wasActive := from == memberdomain.SubscriptionStatusActive
	isActive := to == memberdomain.SubscriptionStatusActive
	if wasActive == isActive {
		return nil
	}

	delta := -1
	if isActive {
		delta = 1
	}
	now := s.clock.Now()

	ancestors, err := ancestorIDs(ctx, tx, m)
	if err != nil {
		return err
	}
	if len(ancestors) > 0 {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE member_counters
			SET active_team_count = active_team_count + ?, updated_at = ?
			WHERE member_id IN ?`,
			delta, now, ancestors,
		).Error; err != nil {
			return err
		}
	}

	if m.ParentID != nil {
		if err := tx.WithContext(ctx).Exec(
			`UPDATE member_counters
			SET active_recruits_count = active_recruits_count + ?, updated_at = ?
			WHERE member_id = ?`,
			delta, now, *m.ParentID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Snapshot(ctx context.Context, memberID, periodID snowflake.ID) (aggregatedomain.AggregateSnapshot, error) {
	var snapshot aggregatedomain.AggregateSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.snapshotOne(ctx, tx, memberID, periodID); err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Where("member_id = ? AND period_id = ?", memberID, periodID).
			First(&snapshot).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return aggregatedomain.AggregateSnapshot{}, aggregatedomain.ErrSnapshotNotFound
	}
	return snapshot, err
}

func (s *Service) SnapshotAll(ctx context.Context, periodID snowflake.ID, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	processed := 0
	var jobErr error
	var cursor snowflake.ID

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		var memberIDs []snowflake.ID
		if err := s.db.WithContext(ctx).
			Model(&aggregatedomain.MemberCounter{}).
			Where("member_id > ?", cursor).
			Order("member_id ASC").
			Limit(batchSize).
			Pluck("member_id", &memberIDs).Error; err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(memberIDs) == 0 {
			break
		}

		for _, memberID := range memberIDs {
			inserted, err := s.snapshotOne(ctx, s.db, memberID, periodID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("snapshot failed",
					zap.String("member_id", memberID.String()),
					zap.String("period_id", periodID.String()),
					zap.Error(err),
				)
				continue
			}
			if inserted {
				processed++
			}
		}
		cursor = memberIDs[len(memberIDs)-1]
	}

	return processed, jobErr
}

// snapshotOne copies the live counters into an immutable row for the period.
// Replays hit the unique index and insert nothing.
func (s *Service) snapshotOne(ctx context.Context, tx *gorm.DB, memberID, periodID snowflake.ID) (bool, error) {
	var counter aggregatedomain.MemberCounter
	if err := tx.WithContext(ctx).
		Where("member_id = ?", memberID).
		First(&counter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, aggregatedomain.ErrCounterNotFound
		}
		return false, err
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO aggregate_snapshots (
			id, member_id, period_id, team_size, active_team_count, active_recruits_count, retention_bps, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_id, period_id) DO NOTHING`,
		s.genID.Generate(),
		memberID,
		periodID,
		counter.TeamSize,
		counter.ActiveTeamCount,
		counter.ActiveRecruitsCount,
		aggregatedomain.RetentionBps(counter.ActiveTeamCount, counter.TeamSize),
		s.clock.Now(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) Counter(ctx context.Context, memberID snowflake.ID) (aggregatedomain.MemberCounter, error) {
	var counter aggregatedomain.MemberCounter
	err := s.db.WithContext(ctx).Where("member_id = ?", memberID).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return aggregatedomain.MemberCounter{}, aggregatedomain.ErrCounterNotFound
	}
	return counter, err
}

func (s *Service) SnapshotFor(ctx context.Context, memberID, periodID snowflake.ID) (aggregatedomain.AggregateSnapshot, error) {
	var snapshot aggregatedomain.AggregateSnapshot
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND period_id = ?", memberID, periodID).
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return aggregatedomain.AggregateSnapshot{}, aggregatedomain.ErrSnapshotNotFound
	}
	return snapshot, err
}

// ancestorIDs walks parent links to the root. The loop is bounded by the
// configured max depth enforced at insert time.
func ancestorIDs(ctx context.Context, tx *gorm.DB, m memberdomain.Member) ([]snowflake.ID, error) {
	ids := make([]snowflake.ID, 0, m.Depth)
	parentID := m.ParentID
	for parentID != nil {
		ids = append(ids, *parentID)
		var parent memberdomain.Member
		if err := tx.WithContext(ctx).
			Select("id", "parent_id").
			Where("id = ?", *parentID).
			First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				break
			}
			return nil, err
		}
		parentID = parent.ParentID
	}
	return ids, nil
}
