package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	"github.com/uplinehq/matrix/internal/clock"
	"github.com/uplinehq/matrix/internal/config"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	LadderHolder *config.RankLadderHolder
	AggregateSvc aggregatedomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	maxDepth     int
	ladderHolder *config.RankLadderHolder
	aggregateSvc aggregatedomain.Service
}

func NewService(p Params) memberdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("member.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		maxDepth:     p.Config.MaxTreeDepth,
		ladderHolder: p.LadderHolder,
		aggregateSvc: p.AggregateSvc,
	}
}

func (s *Service) AddMember(ctx context.Context, req memberdomain.AddMemberRequest) (memberdomain.Member, error) {
	joinedAt := req.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = s.clock.Now()
	}

	status := memberdomain.SubscriptionStatusCanceled
	if req.Active {
		status = memberdomain.SubscriptionStatusActive
	}

	floorRank := s.ladderHolder.Get().Ranks[0].RankKey

	member := memberdomain.Member{
		ID:                 s.genID.Generate(),
		ParentID:           req.ParentID,
		Depth:              0,
		RankKey:            floorRank,
		JoinedAt:           joinedAt.UTC(),
		SubscriptionStatus: status,
		CreatedAt:          s.clock.Now(),
		UpdatedAt:          s.clock.Now(),
	}
	if eventID := strings.TrimSpace(req.EventID); eventID != "" {
		member.EventID = &eventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if member.EventID != nil {
			var existing memberdomain.Member
			err := tx.WithContext(ctx).Where("event_id = ?", *member.EventID).First(&existing).Error
			if err == nil {
				member = existing
				return memberdomain.ErrDuplicateEvent
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if req.ParentID != nil {
			var parent memberdomain.Member
			err := lockForUpdate(tx.WithContext(ctx)).
				Where("id = ?", *req.ParentID).
				First(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return memberdomain.ErrInvalidParent
			}
			if err != nil {
				return err
			}
			member.Depth = parent.Depth + 1
			if s.maxDepth > 0 && member.Depth > s.maxDepth {
				return memberdomain.ErrInvalidParent
			}
		}

		if err := tx.WithContext(ctx).Create(&member).Error; err != nil {
			return err
		}
		return s.aggregateSvc.ApplyMemberCreated(ctx, tx, member)
	})
	if errors.Is(err, memberdomain.ErrDuplicateEvent) {
		return member, memberdomain.ErrDuplicateEvent
	}
	if err != nil {
		return memberdomain.Member{}, err
	}

	s.log.Info("member added",
		zap.String("member_id", member.ID.String()),
		zap.Int("depth", member.Depth),
	)
	return member, nil
}

func (s *Service) RecordSubscriptionChange(ctx context.Context, memberID snowflake.ID, status memberdomain.SubscriptionStatus, eventID string) error {
	if !memberdomain.ValidStatus(status) {
		return memberdomain.ErrInvalidStatus
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if eventID := strings.TrimSpace(eventID); eventID != "" {
			result := tx.WithContext(ctx).Exec(
				`INSERT INTO ingest_events (event_id, created_at) VALUES (?, ?)
				ON CONFLICT (event_id) DO NOTHING`,
				eventID, s.clock.Now(),
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return memberdomain.ErrDuplicateEvent
			}
		}

		var member memberdomain.Member
		err := lockForUpdate(tx.WithContext(ctx)).
			Where("id = ?", memberID).
			First(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return memberdomain.ErrNotFound
		}
		if err != nil {
			return err
		}

		if member.SubscriptionStatus == status {
			return nil
		}

		previous := member.SubscriptionStatus
		if err := tx.WithContext(ctx).Model(&memberdomain.Member{}).
			Where("id = ?", memberID).
			Updates(map[string]any{
				"subscription_status": status,
				"updated_at":          s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		return s.aggregateSvc.ApplyStatusChange(ctx, tx, member, previous, status)
	})
	return err
}

// lockForUpdate takes a row lock where the dialect supports it. SQLite
// serializes writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *Service) Get(ctx context.Context, memberID snowflake.ID) (memberdomain.Member, error) {
	var member memberdomain.Member
	err := s.db.WithContext(ctx).Where("id = ?", memberID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return memberdomain.Member{}, memberdomain.ErrNotFound
	}
	return member, err
}
