package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregatedomain "github.com/uplinehq/matrix/internal/aggregate/domain"
	"github.com/uplinehq/matrix/internal/clock"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	"github.com/uplinehq/matrix/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migration.AutoMigrate(conn))
	return conn
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()
	db := openTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	}).(*Service)
	return svc, db, fakeClock, node
}

func seedMember(t *testing.T, db *gorm.DB, node *snowflake.Node, parentID *snowflake.ID, depth int, status memberdomain.SubscriptionStatus) memberdomain.Member {
	t.Helper()
	member := memberdomain.Member{
		ID:                 node.Generate(),
		ParentID:           parentID,
		Depth:              depth,
		RankKey:            "starter",
		JoinedAt:           time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		SubscriptionStatus: status,
		CreatedAt:          time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		UpdatedAt:          time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&member).Error)
	return member
}

func TestApplyMemberCreatedPropagatesUpChain(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()

	root := seedMember(t, db, node, nil, 0, memberdomain.SubscriptionStatusActive)
	mid := seedMember(t, db, node, &root.ID, 1, memberdomain.SubscriptionStatusActive)
	leaf := seedMember(t, db, node, &mid.ID, 2, memberdomain.SubscriptionStatusActive)

	for _, m := range []memberdomain.Member{root, mid, leaf} {
		require.NoError(t, svc.ApplyMemberCreated(ctx, db, m))
	}

	rootCounter, err := svc.Counter(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rootCounter.TeamSize)
	assert.EqualValues(t, 2, rootCounter.ActiveTeamCount)
	assert.EqualValues(t, 1, rootCounter.ActiveRecruitsCount)

	midCounter, err := svc.Counter(ctx, mid.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, midCounter.TeamSize)
	assert.EqualValues(t, 1, midCounter.ActiveRecruitsCount)

	leafCounter, err := svc.Counter(ctx, leaf.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, leafCounter.TeamSize)
}

func TestApplyStatusChangeFlipsActiveCounters(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()

	root := seedMember(t, db, node, nil, 0, memberdomain.SubscriptionStatusActive)
	child := seedMember(t, db, node, &root.ID, 1, memberdomain.SubscriptionStatusActive)
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, root))
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, child))

	require.NoError(t, svc.ApplyStatusChange(ctx, db, child, memberdomain.SubscriptionStatusActive, memberdomain.SubscriptionStatusCanceled))
	counter, err := svc.Counter(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counter.ActiveTeamCount)
	assert.EqualValues(t, 0, counter.ActiveRecruitsCount)
	assert.EqualValues(t, 1, counter.TeamSize)

	// past_due to canceled is not an active flip and changes nothing.
	require.NoError(t, svc.ApplyStatusChange(ctx, db, child, memberdomain.SubscriptionStatusPastDue, memberdomain.SubscriptionStatusCanceled))
	counter, err = svc.Counter(ctx, root.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counter.ActiveTeamCount)
}

func TestRetentionBps(t *testing.T) {
	assert.EqualValues(t, 0, aggregatedomain.RetentionBps(0, 0))
	assert.EqualValues(t, 0, aggregatedomain.RetentionBps(5, 0))
	assert.EqualValues(t, 10_000, aggregatedomain.RetentionBps(4, 4))
	assert.EqualValues(t, 5_000, aggregatedomain.RetentionBps(2, 4))
	// Integer division truncates, never rounds up.
	assert.EqualValues(t, 3_333, aggregatedomain.RetentionBps(1, 3))
}

func TestSnapshotAllIsImmutablePerPeriod(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	periodID := node.Generate()

	root := seedMember(t, db, node, nil, 0, memberdomain.SubscriptionStatusActive)
	child := seedMember(t, db, node, &root.ID, 1, memberdomain.SubscriptionStatusActive)
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, root))
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, child))

	processed, err := svc.SnapshotAll(ctx, periodID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	snapshot, err := svc.SnapshotFor(ctx, root.ID, periodID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snapshot.TeamSize)
	assert.EqualValues(t, 10_000, snapshot.RetentionBps)

	// Counters move on; the frozen snapshot must not.
	require.NoError(t, svc.ApplyStatusChange(ctx, db, child, memberdomain.SubscriptionStatusActive, memberdomain.SubscriptionStatusCanceled))

	processed, err = svc.SnapshotAll(ctx, periodID, 100)
	require.NoError(t, err)
	assert.Zero(t, processed)

	frozen, err := svc.SnapshotFor(ctx, root.ID, periodID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, frozen.ID)
	assert.EqualValues(t, 10_000, frozen.RetentionBps)
}

func TestSnapshotSingleMemberFreezesOnce(t *testing.T) {
	svc, db, _, node := newTestService(t)
	ctx := context.Background()
	periodID := node.Generate()

	root := seedMember(t, db, node, nil, 0, memberdomain.SubscriptionStatusActive)
	child := seedMember(t, db, node, &root.ID, 1, memberdomain.SubscriptionStatusActive)
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, root))
	require.NoError(t, svc.ApplyMemberCreated(ctx, db, child))

	snapshot, err := svc.Snapshot(ctx, root.ID, periodID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snapshot.TeamSize)
	assert.EqualValues(t, 1, snapshot.ActiveTeamCount)

	// A replay returns the frozen row even after the counters move.
	require.NoError(t, svc.ApplyStatusChange(ctx, db, child, memberdomain.SubscriptionStatusActive, memberdomain.SubscriptionStatusCanceled))
	replay, err := svc.Snapshot(ctx, root.ID, periodID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, replay.ID)
	assert.EqualValues(t, 1, replay.ActiveTeamCount)

	_, err = svc.Snapshot(ctx, node.Generate(), periodID)
	assert.ErrorIs(t, err, aggregatedomain.ErrCounterNotFound)
}

func TestSnapshotForMissingPeriod(t *testing.T) {
	svc, db, _, node := newTestService(t)
	root := seedMember(t, db, node, nil, 0, memberdomain.SubscriptionStatusActive)
	_, err := svc.SnapshotFor(context.Background(), root.ID, node.Generate())
	assert.ErrorIs(t, err, aggregatedomain.ErrSnapshotNotFound)
}

func TestCounterMissing(t *testing.T) {
	svc, _, _, node := newTestService(t)
	_, err := svc.Counter(context.Background(), node.Generate())
	assert.ErrorIs(t, err, aggregatedomain.ErrCounterNotFound)
}
