package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
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

func NewService(p Params) supportdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("support.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Record(ctx context.Context, req supportdomain.RecordRequest) (supportdomain.SupportAction, error) {
	actionType := strings.TrimSpace(req.ActionType)
	if actionType == "" {
		return supportdomain.SupportAction{}, supportdomain.ErrInvalidActionType
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	action := supportdomain.SupportAction{
		ID:         s.genID.Generate(),
		MemberID:   req.MemberID,
		ActionType: actionType,
		CreatedAt:  occurredAt.UTC(),
	}
	if eventID := strings.TrimSpace(req.EventID); eventID != "" {
		action.EventID = &eventID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.WithContext(ctx).Model(&memberdomain.Member{}).
			Where("id = ?", req.MemberID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return supportdomain.ErrUnknownMember
		}

		if action.EventID != nil {
			var existing supportdomain.SupportAction
			err := tx.WithContext(ctx).Where("event_id = ?", *action.EventID).First(&existing).Error
			if err == nil {
				action = existing
				return supportdomain.ErrDuplicateEvent
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.WithContext(ctx).Create(&action).Error
	})
	if errors.Is(err, supportdomain.ErrDuplicateEvent) {
		return action, supportdomain.ErrDuplicateEvent
	}
	if err != nil {
		return supportdomain.SupportAction{}, err
	}
	return action, nil
}

func (s *Service) CountForPeriod(ctx context.Context, memberID snowflake.ID, periodStart, periodEnd time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&supportdomain.SupportAction{}).
		Where("member_id = ? AND created_at >= ? AND created_at < ?", memberID, periodStart.UTC(), periodEnd.UTC()).
		Count(&count).Error
	return count, err
}
