package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/uplinehq/matrix/internal/audit/domain"
	"github.com/uplinehq/matrix/internal/clock"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	obsmetrics "github.com/uplinehq/matrix/internal/observability/metrics"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	LadderProvider rankdomain.LadderProvider
	AuditSvc       auditdomain.Service
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	ladderProvider rankdomain.LadderProvider
	auditSvc       auditdomain.Service
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("ledger.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		ladderProvider: p.LadderProvider,
		auditSvc:       p.AuditSvc,
	}
}

func (s *Service) Record(ctx context.Context, req ledgerdomain.RecordRequest) (ledgerdomain.EarningEntry, error) {
	if req.AmountCents <= 0 {
		return ledgerdomain.EarningEntry{}, ledgerdomain.ErrInvalidAmount
	}
	sourceType := strings.TrimSpace(req.SourceType)
	if sourceType == "" {
		return ledgerdomain.EarningEntry{}, ledgerdomain.ErrInvalidSourceType
	}

	var beneficiary, source memberdomain.Member
	if err := s.db.WithContext(ctx).Where("id = ?", req.BeneficiaryID).First(&beneficiary).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.EarningEntry{}, ledgerdomain.ErrUnknownMember
		}
		return ledgerdomain.EarningEntry{}, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", req.SourceID).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.EarningEntry{}, ledgerdomain.ErrUnknownMember
		}
		return ledgerdomain.EarningEntry{}, err
	}

	ladder, err := s.ladderProvider.Ladder()
	if err != nil {
		return ledgerdomain.EarningEntry{}, err
	}
	rank, err := ladder.ByKey(beneficiary.RankKey)
	if err != nil {
		s.log.Error("rank ladder corruption detected",
			zap.String("alert", "rank_ladder_corruption"),
			zap.String("member_id", beneficiary.ID.String()),
			zap.String("rank_key", beneficiary.RankKey),
		)
		return ledgerdomain.EarningEntry{}, err
	}

	// Eligibility is enforced at write time so ineligible activity never
	// enters the ledger: the source must sit in the beneficiary's subtree,
	// no more than the rank's payout depth below.
	if source.Depth-beneficiary.Depth > rank.EligibleDepth {
		return ledgerdomain.EarningEntry{}, ledgerdomain.ErrBeneficiaryDepthExceeded
	}
	descends, err := s.sourceDescendsFrom(ctx, beneficiary, source)
	if err != nil {
		return ledgerdomain.EarningEntry{}, err
	}
	if !descends {
		return ledgerdomain.EarningEntry{}, ledgerdomain.ErrSourceOutsideSubtree
	}

	entry := ledgerdomain.EarningEntry{
		ID:                  s.genID.Generate(),
		BeneficiaryMemberID: req.BeneficiaryID,
		SourceMemberID:      req.SourceID,
		SourceType:          sourceType,
		AmountCents:         req.AmountCents,
		Status:              ledgerdomain.EntryStatusPending,
		PeriodID:            req.PeriodID,
		Metadata:            datatypes.JSONMap(req.Metadata),
		CreatedAt:           s.clock.Now(),
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		entry.IdempotencyKey = &key
	}

	duplicate := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.IdempotencyKey != nil {
			var existing ledgerdomain.EarningEntry
			err := tx.WithContext(ctx).Where("idempotency_key = ?", *entry.IdempotencyKey).First(&existing).Error
			if err == nil {
				entry = existing
				duplicate = true
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.WithContext(ctx).Create(&entry).Error
	})
	if err != nil {
		return ledgerdomain.EarningEntry{}, err
	}
	if duplicate {
		return entry, ledgerdomain.ErrDuplicateEvent
	}

	obsmetrics.Engine().IncLedgerEntry(sourceType)
	return entry, nil
}

// sourceDescendsFrom walks the source's sponsor chain up to the
// beneficiary's depth. The walk is bounded by the rank depth check that
// precedes it.
func (s *Service) sourceDescendsFrom(ctx context.Context, beneficiary, source memberdomain.Member) (bool, error) {
	current := source
	for current.Depth > beneficiary.Depth {
		if current.ParentID == nil {
			return false, nil
		}
		var parent memberdomain.Member
		if err := s.db.WithContext(ctx).
			Select("id", "parent_id", "depth").
			Where("id = ?", *current.ParentID).
			First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, err
		}
		current = parent
	}
	return current.ID == beneficiary.ID, nil
}

func (s *Service) Settle(ctx context.Context, periodID snowflake.ID) (ledgerdomain.SettleResult, error) {
	ladder, err := s.ladderProvider.Ladder()
	if err != nil {
		return ledgerdomain.SettleResult{}, err
	}

	var beneficiaryIDs []snowflake.ID
	if err := s.db.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
		Where("period_id = ? AND status = ?", periodID, ledgerdomain.EntryStatusPending).
		Distinct("beneficiary_member_id").
		Order("beneficiary_member_id ASC").
		Pluck("beneficiary_member_id", &beneficiaryIDs).Error; err != nil {
		return ledgerdomain.SettleResult{}, err
	}
	if len(beneficiaryIDs) == 0 {
		s.log.Info("settle found no pending entries",
			zap.String("period_id", periodID.String()),
		)
		return ledgerdomain.SettleResult{}, nil
	}

	var result ledgerdomain.SettleResult
	var jobErr error
	for _, beneficiaryID := range beneficiaryIDs {
		if ctx.Err() != nil {
			return result, errors.Join(jobErr, ctx.Err())
		}
		eligible, capped, err := s.settleBeneficiary(ctx, ladder, beneficiaryID, periodID)
		switch {
		case errors.Is(err, rankdomain.ErrUnknownRank):
			// A corrupt rank key freezes this beneficiary's entries as
			// pending; the alert is already logged and the other
			// beneficiaries still settle.
			obsmetrics.Engine().IncMemberStageError(obsmetrics.StageSettle, err)
			continue
		case err != nil:
			jobErr = errors.Join(jobErr, err)
			obsmetrics.Engine().IncMemberStageError(obsmetrics.StageSettle, err)
			continue
		}
		result.Eligible += eligible
		result.Capped += capped
	}
	return result, jobErr
}

// settleBeneficiary is the single-writer pass for one member's period
// entries: deterministic order, running total against the weekly cap.
func (s *Service) settleBeneficiary(ctx context.Context, ladder rankdomain.Ladder, beneficiaryID, periodID snowflake.ID) (int, int, error) {
	eligible, capped := 0, 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var beneficiary memberdomain.Member
		if err := tx.WithContext(ctx).Where("id = ?", beneficiaryID).First(&beneficiary).Error; err != nil {
			return err
		}
		rank, err := ladder.ByKey(beneficiary.RankKey)
		if err != nil {
			s.log.Error("rank ladder corruption detected",
				zap.String("alert", "rank_ladder_corruption"),
				zap.String("member_id", beneficiary.ID.String()),
				zap.String("rank_key", beneficiary.RankKey),
			)
			return err
		}

		var pending []ledgerdomain.EarningEntry
		if err := lockForUpdate(tx.WithContext(ctx)).
			Where("beneficiary_member_id = ? AND period_id = ? AND status = ?", beneficiaryID, periodID, ledgerdomain.EntryStatusPending).
			Order("created_at ASC, id ASC").
			Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		var settledTotal int64
		if err := tx.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
			Where("beneficiary_member_id = ? AND period_id = ? AND status IN ?", beneficiaryID, periodID,
				[]ledgerdomain.EntryStatus{ledgerdomain.EntryStatusEligible, ledgerdomain.EntryStatusPaid}).
			Select("COALESCE(SUM(amount_cents), 0)").
			Scan(&settledTotal).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		running := settledTotal
		for _, entry := range pending {
			status := ledgerdomain.EntryStatusEligible
			if running+entry.AmountCents > rank.WeeklyCapCents {
				status = ledgerdomain.EntryStatusCapped
			} else {
				running += entry.AmountCents
			}
			if err := tx.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
				Where("id = ? AND status = ?", entry.ID, ledgerdomain.EntryStatusPending).
				Updates(map[string]any{
					"status":     status,
					"settled_at": now,
				}).Error; err != nil {
				return err
			}
			if status == ledgerdomain.EntryStatusCapped {
				capped++
			} else {
				eligible++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < capped; i++ {
		obsmetrics.Engine().IncCappedEntry()
	}
	return eligible, capped, nil
}

func (s *Service) MarkPaid(ctx context.Context, entryIDs []snowflake.ID) error {
	var jobErr error
	for _, entryID := range entryIDs {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var entry ledgerdomain.EarningEntry
			err := lockForUpdate(tx.WithContext(ctx)).Where("id = ?", entryID).First(&entry).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgerdomain.ErrEntryNotFound
			}
			if err != nil {
				return err
			}

			switch entry.Status {
			case ledgerdomain.EntryStatusPaid:
				// Re-marking a paid entry is a no-op, not an error.
				return nil
			case ledgerdomain.EntryStatusEligible:
			default:
				return ledgerdomain.ErrEntryNotEligible
			}

			if err := tx.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
				Where("id = ? AND status = ?", entryID, ledgerdomain.EntryStatusEligible).
				Updates(map[string]any{
					"status":  ledgerdomain.EntryStatusPaid,
					"paid_at": s.clock.Now(),
				}).Error; err != nil {
				return err
			}

			entryIDStr := entryID.String()
			if auditErr := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeAPI), nil, "ledger.entry_paid", "earning_entry", &entryIDStr, map[string]any{
				"beneficiary_member_id": entry.BeneficiaryMemberID.String(),
				"amount_cents":          entry.AmountCents,
			}); auditErr != nil {
				s.log.Warn("failed to write mark-paid audit log", zap.Error(auditErr))
			}
			return nil
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

func (s *Service) Balances(ctx context.Context, memberID snowflake.ID) (ledgerdomain.Balances, error) {
	rows := []struct {
		Status ledgerdomain.EntryStatus
		Total  int64
	}{}
	if err := s.db.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
		Where("beneficiary_member_id = ?", memberID).
		Select("status, COALESCE(SUM(amount_cents), 0) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return ledgerdomain.Balances{}, err
	}

	var balances ledgerdomain.Balances
	for _, row := range rows {
		switch row.Status {
		case ledgerdomain.EntryStatusPending:
			balances.PendingCents = row.Total
		case ledgerdomain.EntryStatusEligible:
			balances.EligibleCents = row.Total
		case ledgerdomain.EntryStatusPaid:
			balances.PaidCents = row.Total
		case ledgerdomain.EntryStatusCapped:
			balances.CappedCents = row.Total
		}
	}
	return balances, nil
}

func (s *Service) PeriodEarnedCents(ctx context.Context, memberID, periodID snowflake.ID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&ledgerdomain.EarningEntry{}).
		Where("beneficiary_member_id = ? AND period_id = ? AND status IN ?", memberID, periodID,
			[]ledgerdomain.EntryStatus{ledgerdomain.EntryStatusEligible, ledgerdomain.EntryStatusPaid}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}

func (s *Service) RecentEntries(ctx context.Context, memberID snowflake.ID, limit int) ([]ledgerdomain.EarningEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	var entries []ledgerdomain.EarningEntry
	err := s.db.WithContext(ctx).
		Where("beneficiary_member_id = ?", memberID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
