package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	auditdomain "github.com/uplinehq/matrix/internal/audit/domain"
	"github.com/uplinehq/matrix/internal/clock"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	matrixredis "github.com/uplinehq/matrix/internal/redis"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runLockKey = "matrix:scheduler:run"

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	PeriodSvc        perioddomain.Service
	AggregateSvc     aggregatedomain.Service
	QualificationSvc qualificationdomain.Service
	RankSvc          rankdomain.Service
	LedgerSvc        ledgerdomain.Service
	AuditSvc         auditdomain.Service
	Locker           *matrixredis.Locker `optional:"true"`
	Config           Config              `optional:"true"`
}

// Scheduler drives the weekly cycle: ensure period, snapshot, evaluate,
// transition, settle. Every stage is resumable through the period's
// checkpoint columns.
type Scheduler struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	periodSvc        perioddomain.Service
	aggregateSvc     aggregatedomain.Service
	qualificationSvc qualificationdomain.Service
	rankSvc          rankdomain.Service
	ledgerSvc        ledgerdomain.Service
	auditSvc         auditdomain.Service
	locker           *matrixredis.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.PeriodSvc == nil || p.AggregateSvc == nil || p.QualificationSvc == nil ||
		p.RankSvc == nil || p.LedgerSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              p.Config.withDefaults(),
		genID:            p.GenID,
		clock:            p.Clock,
		periodSvc:        p.PeriodSvc,
		aggregateSvc:     p.AggregateSvc,
		qualificationSvc: p.QualificationSvc,
		rankSvc:          p.RankSvc,
		ledgerSvc:        p.LedgerSvc,
		auditSvc:         p.AuditSvc,
		locker:           p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	engineMetrics := obsmetrics.Engine()
	engineMetrics.IncJobRun(name)

	err := fn(ctx)
	engineMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		engineMetrics.IncJobTimeout(name)
	}
	engineMetrics.IncJobError(name, err)
	if isTimeout {
		// Soft timeout: the cycle resumes from its checkpoints next tick.
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(parent, runLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("scheduler lock unavailable, running unguarded", zap.Error(err))
		} else if !acquired {
			s.log.Debug("scheduler run held by another replica")
			return nil
		} else {
			defer func() {
				if releaseErr := s.locker.Release(context.WithoutCancel(parent), runLockKey, token); releaseErr != nil {
					s.log.Warn("failed to release scheduler lock", zap.Error(releaseErr))
				}
			}()
		}
	}

	var err error
	err = errors.Join(err, s.runJob(parent, "ensure_period", 1, s.cfg.StageTimeout, s.EnsurePeriodJob))
	err = errors.Join(err, s.runCycle(parent))
	return err
}

// runCycle advances the earliest due period through its remaining stages.
// A stage error stops the cycle; completed stages are checkpointed and
// skipped on the next tick.
func (s *Scheduler) runCycle(ctx context.Context) error {
	period, err := s.periodSvc.NextUnsettled(ctx)
	if errors.Is(err, perioddomain.ErrNoPeriodDue) {
		return nil
	}
	if err != nil {
		return err
	}

	stages := []struct {
		Name string
		Done func(perioddomain.Period) bool
		Run  func(context.Context, perioddomain.Period) error
	}{
		{"snapshot", func(p perioddomain.Period) bool { return p.SnapshotsCompletedAt != nil }, s.SnapshotStage},
		{"evaluate", func(p perioddomain.Period) bool { return p.EvaluationsCompletedAt != nil }, s.EvaluateStage},
		{"transition", func(p perioddomain.Period) bool { return p.TransitionsCompletedAt != nil }, s.TransitionStage},
		{"settle", func(p perioddomain.Period) bool { return p.SettledAt != nil }, s.SettleStage},
	}

	for _, stage := range stages {
		if stage.Done(period) {
			continue
		}
		stageFn := stage.Run
		err := s.runJob(ctx, stage.Name, s.cfg.BatchSize, s.cfg.StageTimeout, func(jobCtx context.Context) error {
			return stageFn(jobCtx, period)
		})
		if err != nil {
			if recordErr := s.periodSvc.RecordError(ctx, period.ID, err); recordErr != nil {
				s.log.Warn("failed to record period error", zap.Error(recordErr))
			}
			return err
		}
		period, err = s.periodSvc.Get(ctx, period.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	engineMetrics := obsmetrics.Engine()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			engineMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) EnsurePeriodJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "ensure_period", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if _, err := s.periodSvc.EnsureCurrent(ctx); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.period.ensure.failed", "ensure_period", err)
		return err
	}
	run.AddProcessed(1)
	return nil
}

func (s *Scheduler) SnapshotStage(ctx context.Context, period perioddomain.Period) error {
	ctx, run, owner := s.ensureJobRun(ctx, "snapshot", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if err := s.periodSvc.MarkEvaluating(ctx, period.ID); err != nil {
		return err
	}

	processed, err := s.aggregateSvc.SnapshotAll(ctx, period.ID, s.cfg.BatchSize)
	run.AddProcessed(processed)
	obsmetrics.Engine().AddBatchProcessed("snapshot", "member", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.stage.failed", "snapshot", err,
			zap.String("period_id", period.ID.String()),
		)
		return err
	}
	return s.periodSvc.MarkSnapshotsComplete(ctx, period.ID)
}

func (s *Scheduler) EvaluateStage(ctx context.Context, period perioddomain.Period) error {
	ctx, run, owner := s.ensureJobRun(ctx, "evaluate", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.qualificationSvc.EvaluateAll(ctx, period.ID, period.StartsAt, period.EndsAt, s.cfg.BatchSize)
	run.AddProcessed(processed)
	obsmetrics.Engine().AddBatchProcessed("evaluate", "member", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.stage.failed", "evaluate", err,
			zap.String("period_id", period.ID.String()),
		)
		return err
	}
	return s.periodSvc.MarkEvaluationsComplete(ctx, period.ID)
}

func (s *Scheduler) TransitionStage(ctx context.Context, period perioddomain.Period) error {
	ctx, run, owner := s.ensureJobRun(ctx, "transition", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.rankSvc.TransitionAll(ctx, period.ID, s.cfg.BatchSize)
	run.AddProcessed(processed)
	obsmetrics.Engine().AddBatchProcessed("transition", "member", processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.stage.failed", "transition", err,
			zap.String("period_id", period.ID.String()),
		)
		return err
	}
	return s.periodSvc.MarkTransitionsComplete(ctx, period.ID)
}

func (s *Scheduler) SettleStage(ctx context.Context, period perioddomain.Period) error {
	ctx, run, owner := s.ensureJobRun(ctx, "settle", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	result, err := s.ledgerSvc.Settle(ctx, period.ID)
	run.AddProcessed(result.Eligible + result.Capped)
	obsmetrics.Engine().AddBatchProcessed("settle", "earning_entry", result.Eligible+result.Capped)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.stage.failed", "settle", err,
			zap.String("period_id", period.ID.String()),
		)
		return err
	}

	if err := s.periodSvc.MarkSettled(ctx, period.ID); err != nil {
		return err
	}

	periodID := period.ID.String()
	if auditErr := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeScheduler), nil, "period.settled", "period", &periodID, map[string]any{
		"eligible_entries": result.Eligible,
		"capped_entries":   result.Capped,
		"starts_at":        period.StartsAt.Format(time.RFC3339),
		"ends_at":          period.EndsAt.Format(time.RFC3339),
	}); auditErr != nil {
		s.log.Warn("failed to write settlement audit log", zap.Error(auditErr))
	}
	return nil
}
