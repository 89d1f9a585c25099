package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/uplinehq/matrix/internal/audit/domain"
	auditservice "github.com/uplinehq/matrix/internal/audit/service"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"github.com/uplinehq/matrix/internal/migration"
	qualificationdomain "github.com/uplinehq/matrix/internal/qualification/domain"
	qualificationservice "github.com/uplinehq/matrix/internal/qualification/service"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticLadder struct {
	ladder rankdomain.Ladder
}

func (p staticLadder) Ladder() (rankdomain.Ladder, error) { return p.ladder, nil }

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
	svc   rankdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 12, 0, 5, 0, 0, time.UTC))

	ladder, err := rankdomain.NewLadder([]rankdomain.Rank{
		{RankKey: "starter", WeeklyCapCents: 50_000, EligibleDepth: 1},
		{RankKey: "builder", WeeklyCapCents: 150_000, EligibleDepth: 2},
		{RankKey: "leader", WeeklyCapCents: 400_000, EligibleDepth: 3},
	})
	require.NoError(t, err)
	provider := staticLadder{ladder: ladder}

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	})
	qualificationSvc := qualificationservice.NewService(qualificationservice.Params{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fakeClock,
		LadderProvider: provider,
	})
	svc := NewService(Params{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fakeClock,
		LadderProvider:   provider,
		QualificationSvc: qualificationSvc,
		AuditSvc:         auditSvc,
	})
	return &fixture{db: db, clock: fakeClock, node: node, svc: svc}
}

func (f *fixture) seedMember(t *testing.T, rankKey string) memberdomain.Member {
	t.Helper()
	member := memberdomain.Member{
		ID:                 f.node.Generate(),
		Depth:              0,
		RankKey:            rankKey,
		JoinedAt:           f.clock.Now(),
		SubscriptionStatus: memberdomain.SubscriptionStatusActive,
		CreatedAt:          f.clock.Now(),
		UpdatedAt:          f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&member).Error)
	return member
}

func (f *fixture) seedVerdict(t *testing.T, memberID, periodID snowflake.ID, targetRankKey string, status qualificationdomain.Status) {
	t.Helper()
	require.NoError(t, f.db.Create(&qualificationdomain.QualificationSnapshot{
		ID:            f.node.Generate(),
		MemberID:      memberID,
		PeriodID:      periodID,
		TargetRankKey: targetRankKey,
		Status:        status,
		Reasons:       []string{},
		CreatedAt:     f.clock.Now(),
	}).Error)
}

func (f *fixture) currentRank(t *testing.T, memberID snowflake.ID) string {
	t.Helper()
	var member memberdomain.Member
	require.NoError(t, f.db.Where("id = ?", memberID).First(&member).Error)
	return member.RankKey
}

func TestPromotionAdvancesOneStepPerPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.seedMember(t, "starter")

	periodOne := f.node.Generate()
	// Passing leader requirements too must not let a starter skip builder.
	f.seedVerdict(t, member.ID, periodOne, "builder", qualificationdomain.StatusPass)
	f.seedVerdict(t, member.ID, periodOne, "starter", qualificationdomain.StatusPass)

	changed, err := f.svc.TransitionAll(ctx, periodOne, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, "builder", f.currentRank(t, member.ID))

	changes, err := f.svc.ChangesForPeriod(ctx, periodOne)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "starter", changes[0].FromRankKey)
	assert.Equal(t, "builder", changes[0].ToRankKey)
	assert.Equal(t, rankdomain.ChangeReasonPromotion, changes[0].Reason)

	// The next passing period advances the next single step.
	periodTwo := f.node.Generate()
	f.seedVerdict(t, member.ID, periodTwo, "leader", qualificationdomain.StatusPass)
	f.seedVerdict(t, member.ID, periodTwo, "builder", qualificationdomain.StatusPass)

	changed, err = f.svc.TransitionAll(ctx, periodTwo, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, "leader", f.currentRank(t, member.ID))
}

func TestTransitionReplaySamePeriodIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.seedMember(t, "starter")
	periodID := f.node.Generate()
	f.seedVerdict(t, member.ID, periodID, "builder", qualificationdomain.StatusPass)

	changed, err := f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, "builder", f.currentRank(t, member.ID))

	changes, err := f.svc.ChangesForPeriod(ctx, periodID)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestDemotionDropsSingleStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.seedMember(t, "leader")
	periodID := f.node.Generate()
	f.seedVerdict(t, member.ID, periodID, "leader", qualificationdomain.StatusFail)

	changed, err := f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, "builder", f.currentRank(t, member.ID))

	changes, err := f.svc.ChangesForPeriod(ctx, periodID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, rankdomain.ChangeReasonDemotion, changes[0].Reason)
}

func TestFloorRankNeverDemoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.seedMember(t, "starter")
	periodID := f.node.Generate()
	f.seedVerdict(t, member.ID, periodID, "starter", qualificationdomain.StatusFail)
	f.seedVerdict(t, member.ID, periodID, "builder", qualificationdomain.StatusFail)

	changed, err := f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, "starter", f.currentRank(t, member.ID))
}

func TestMissingSnapshotLeavesRankUntouched(t *testing.T) {
	f := newFixture(t)
	member := f.seedMember(t, "builder")

	changed, err := f.svc.TransitionAll(context.Background(), f.node.Generate(), 100)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, "builder", f.currentRank(t, member.ID))
}

func TestUnknownRankHaltsMemberWithoutDefaulting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	corrupted := f.seedMember(t, "phantom")
	healthy := f.seedMember(t, "starter")
	periodID := f.node.Generate()
	f.seedVerdict(t, healthy.ID, periodID, "builder", qualificationdomain.StatusPass)

	// The corrupted member is frozen without failing the batch, so the
	// stage can still checkpoint and the cohort keeps settling.
	changed, err := f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, "phantom", f.currentRank(t, corrupted.ID))
	assert.Equal(t, "builder", f.currentRank(t, healthy.ID))

	var changeCount int64
	require.NoError(t, f.db.Model(&rankdomain.RankChange{}).
		Where("member_id = ?", corrupted.ID).Count(&changeCount).Error)
	assert.Zero(t, changeCount)
}

func TestPromotionWritesAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.seedMember(t, "starter")
	periodID := f.node.Generate()
	f.seedVerdict(t, member.ID, periodID, "builder", qualificationdomain.StatusPass)

	_, err := f.svc.TransitionAll(ctx, periodID, 100)
	require.NoError(t, err)

	var logs []auditdomain.AuditLog
	require.NoError(t, f.db.Where("action = ?", "rank.promoted").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeScheduler), logs[0].ActorType)
}
