package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/uplinehq/matrix/internal/clock"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
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

func NewService(p Params) perioddomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("period.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) EnsureCurrent(ctx context.Context) (perioddomain.Period, error) {
	now := s.clock.Now()
	startsAt := perioddomain.WeekStart(now)
	endsAt := startsAt.AddDate(0, 0, 7)

	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO periods (id, starts_at, ends_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (starts_at) DO NOTHING`,
		s.genID.Generate(),
		startsAt,
		endsAt,
		string(perioddomain.PeriodStatusOpen),
		now,
		now,
	)
	if result.Error != nil {
		return perioddomain.Period{}, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("period opened",
			zap.Time("starts_at", startsAt),
			zap.Time("ends_at", endsAt),
		)
	}

	var period perioddomain.Period
	if err := s.db.WithContext(ctx).Where("starts_at = ?", startsAt).First(&period).Error; err != nil {
		return perioddomain.Period{}, err
	}
	return period, nil
}

func (s *Service) Current(ctx context.Context) (perioddomain.Period, error) {
	startsAt := perioddomain.WeekStart(s.clock.Now())
	var period perioddomain.Period
	err := s.db.WithContext(ctx).Where("starts_at = ?", startsAt).First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return perioddomain.Period{}, perioddomain.ErrNotFound
	}
	return period, err
}

func (s *Service) NextUnsettled(ctx context.Context) (perioddomain.Period, error) {
	now := s.clock.Now()
	var period perioddomain.Period
	err := s.db.WithContext(ctx).
		Where("ends_at <= ? AND status <> ?", now, perioddomain.PeriodStatusSettled).
		Order("starts_at ASC").
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return perioddomain.Period{}, perioddomain.ErrNoPeriodDue
	}
	return period, err
}

func (s *Service) Get(ctx context.Context, periodID snowflake.ID) (perioddomain.Period, error) {
	var period perioddomain.Period
	err := s.db.WithContext(ctx).Where("id = ?", periodID).First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return perioddomain.Period{}, perioddomain.ErrNotFound
	}
	return period, err
}

func (s *Service) MarkEvaluating(ctx context.Context, periodID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE periods SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(perioddomain.PeriodStatusEvaluating),
		s.clock.Now(),
		periodID,
		string(perioddomain.PeriodStatusOpen),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		obsmetrics.Engine().IncPeriodTransition(string(perioddomain.PeriodStatusOpen), string(perioddomain.PeriodStatusEvaluating))
	}
	return nil
}

// stampCheckpoint keeps the first stamp on resume via COALESCE.
func (s *Service) stampCheckpoint(ctx context.Context, periodID snowflake.ID, column string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE periods SET `+column+` = COALESCE(`+column+`, ?), updated_at = ? WHERE id = ?`,
		s.clock.Now(),
		s.clock.Now(),
		periodID,
	).Error
}

func (s *Service) MarkSnapshotsComplete(ctx context.Context, periodID snowflake.ID) error {
	return s.stampCheckpoint(ctx, periodID, "snapshots_completed_at")
}

func (s *Service) MarkEvaluationsComplete(ctx context.Context, periodID snowflake.ID) error {
	return s.stampCheckpoint(ctx, periodID, "evaluations_completed_at")
}

func (s *Service) MarkTransitionsComplete(ctx context.Context, periodID snowflake.ID) error {
	return s.stampCheckpoint(ctx, periodID, "transitions_completed_at")
}

func (s *Service) MarkSettled(ctx context.Context, periodID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE periods
		SET settled_at = COALESCE(settled_at, ?), status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status <> ?`,
		s.clock.Now(),
		string(perioddomain.PeriodStatusSettled),
		s.clock.Now(),
		periodID,
		string(perioddomain.PeriodStatusSettled),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		obsmetrics.Engine().IncPeriodTransition(string(perioddomain.PeriodStatusEvaluating), string(perioddomain.PeriodStatusSettled))
		s.log.Info("period settled", zap.String("period_id", periodID.String()))
	}
	return nil
}

func (s *Service) RecordError(ctx context.Context, periodID snowflake.ID, cause error) error {
	if cause == nil {
		return nil
	}
	message := cause.Error()
	if len(message) > 1024 {
		message = message[:1024]
	}
	return s.db.WithContext(ctx).Exec(
		`UPDATE periods SET last_error = ?, updated_at = ? WHERE id = ?`,
		message,
		s.clock.Now(),
		periodID,
	).Error
}
