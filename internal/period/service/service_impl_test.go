package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/uplinehq/matrix/internal/clock"
	"github.com/uplinehq/matrix/internal/migration"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
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

func newTestService(t *testing.T, at time.Time) (perioddomain.Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(at)
	svc := NewService(Params{
		DB:    openTestDB(t),
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	})
	return svc, fakeClock
}

func TestEnsureCurrentCreatesExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), first.StartsAt.UTC())
	assert.Equal(t, time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), first.EndsAt.UTC())
	assert.Equal(t, perioddomain.PeriodStatusOpen, first.Status)

	second, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCurrentReturnsNotFoundBeforeEnsure(t *testing.T) {
	svc, _ := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	_, err := svc.Current(context.Background())
	assert.ErrorIs(t, err, perioddomain.ErrNotFound)
}

func TestNextUnsettledOnlyAfterPeriodEnd(t *testing.T) {
	svc, fakeClock := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	period, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)

	_, err = svc.NextUnsettled(ctx)
	assert.ErrorIs(t, err, perioddomain.ErrNoPeriodDue)

	fakeClock.Advance(7 * 24 * time.Hour)
	due, err := svc.NextUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, period.ID, due.ID)
}

func TestMarkEvaluatingOnlyFromOpen(t *testing.T) {
	svc, fakeClock := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	period, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.MarkEvaluating(ctx, period.ID))

	got, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, perioddomain.PeriodStatusEvaluating, got.Status)

	require.NoError(t, svc.MarkSettled(ctx, period.ID))
	fakeClock.Advance(time.Hour)
	require.NoError(t, svc.MarkEvaluating(ctx, period.ID))

	got, err = svc.Get(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, perioddomain.PeriodStatusSettled, got.Status)
}

func TestCheckpointStampsKeepFirstTimestamp(t *testing.T) {
	svc, fakeClock := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	period, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.MarkSnapshotsComplete(ctx, period.ID))
	first, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	require.NotNil(t, first.SnapshotsCompletedAt)

	fakeClock.Advance(time.Hour)
	require.NoError(t, svc.MarkSnapshotsComplete(ctx, period.ID))
	second, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	require.NotNil(t, second.SnapshotsCompletedAt)
	assert.True(t, second.SnapshotsCompletedAt.Equal(*first.SnapshotsCompletedAt))
}

func TestMarkSettledClearsLastErrorAndIsIdempotent(t *testing.T) {
	svc, fakeClock := newTestService(t, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	period, err := svc.EnsureCurrent(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.RecordError(ctx, period.ID, fmt.Errorf("snapshot: boom")))

	got, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "snapshot: boom", *got.LastError)

	require.NoError(t, svc.MarkSettled(ctx, period.ID))
	settled, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, perioddomain.PeriodStatusSettled, settled.Status)
	assert.Nil(t, settled.LastError)
	require.NotNil(t, settled.SettledAt)

	fakeClock.Advance(time.Hour)
	require.NoError(t, svc.MarkSettled(ctx, period.ID))
	again, err := svc.Get(ctx, period.ID)
	require.NoError(t, err)
	require.NotNil(t, again.SettledAt)
	assert.True(t, again.SettledAt.Equal(*settled.SettledAt))
}
