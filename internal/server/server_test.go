package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	aggregateservice "github.com/uplinehq/matrix/internal/aggregate/service"
	auditservice "github.com/uplinehq/matrix/internal/audit/service"
	"github.com/uplinehq/matrix/internal/clock"
	"github.com/uplinehq/matrix/internal/config"
	dashboardservice "github.com/uplinehq/matrix/internal/dashboard/service"
	ledgerservice "github.com/uplinehq/matrix/internal/ledger/service"
	memberservice "github.com/uplinehq/matrix/internal/member/service"
	"github.com/uplinehq/matrix/internal/migration"
	periodservice "github.com/uplinehq/matrix/internal/period/service"
	qualificationservice "github.com/uplinehq/matrix/internal/qualification/service"
	rankservice "github.com/uplinehq/matrix/internal/rank/service"
	supportservice "github.com/uplinehq/matrix/internal/support/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC))
	holder, err := config.NewStaticRankLadderHolder(config.DefaultRankLadderConfig())
	require.NoError(t, err)
	provider := rankservice.NewLadderProvider(holder)
	log := zap.NewNop()

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fakeClock})
	aggregateSvc := aggregateservice.NewService(aggregateservice.Params{DB: db, Log: log, GenID: node, Clock: fakeClock})
	supportSvc := supportservice.NewService(supportservice.Params{DB: db, Log: log, GenID: node, Clock: fakeClock})
	memberSvc := memberservice.NewService(memberservice.Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        fakeClock,
		Config:       config.Config{MaxTreeDepth: 10},
		LadderHolder: holder,
		AggregateSvc: aggregateSvc,
	})
	qualificationSvc := qualificationservice.NewService(qualificationservice.Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fakeClock,
		LadderProvider: provider,
		AggregateSvc:   aggregateSvc,
		SupportSvc:     supportSvc,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          fakeClock,
		LadderProvider: provider,
		AuditSvc:       auditSvc,
	})
	periodSvc := periodservice.NewService(periodservice.Params{DB: db, Log: log, GenID: node, Clock: fakeClock})
	dashboardSvc := dashboardservice.NewService(dashboardservice.Params{
		Log:              log,
		Clock:            fakeClock,
		LadderProvider:   provider,
		MemberSvc:        memberSvc,
		AggregateSvc:     aggregateSvc,
		SupportSvc:       supportSvc,
		QualificationSvc: qualificationSvc,
		LedgerSvc:        ledgerSvc,
		PeriodSvc:        periodSvc,
	})

	s := &Server{
		engine:       gin.New(),
		log:          log,
		genID:        node,
		memberSvc:    memberSvc,
		supportSvc:   supportSvc,
		ledgerSvc:    ledgerSvc,
		periodSvc:    periodSvc,
		dashboardSvc: dashboardSvc,
	}
	s.registerRoutes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	decoded := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func createMember(t *testing.T, s *Server, eventID string, parentID string) string {
	t.Helper()
	body := map[string]any{"event_id": eventID}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	w, resp := doJSON(t, s, http.MethodPost, "/v1/events/member.created", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return resp["member_id"].(string)
}

func TestMemberCreatedReplayIsAccepted(t *testing.T) {
	s := newTestServer(t)

	w, first := doJSON(t, s, http.MethodPost, "/v1/events/member.created", map[string]any{"event_id": "evt-m1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "starter", first["rank_key"])

	replay, second := doJSON(t, s, http.MethodPost, "/v1/events/member.created", map[string]any{"event_id": "evt-m1"})
	assert.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, first["member_id"], second["member_id"])
}

func TestMemberCreatedValidation(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodPost, "/v1/events/member.created", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/member.created", map[string]any{
		"event_id":  "evt-m2",
		"parent_id": "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An unknown parent is a tree conflict, not a validation failure.
	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/member.created", map[string]any{
		"event_id":  "evt-m3",
		"parent_id": snowflake.ID(987654).String(),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubscriptionChangedStatuses(t *testing.T) {
	s := newTestServer(t)
	memberID := createMember(t, s, "evt-m1", "")

	w, _ := doJSON(t, s, http.MethodPost, "/v1/events/subscription.changed", map[string]any{
		"event_id":  "evt-s1",
		"member_id": memberID,
		"status":    "past_due",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	replay, _ := doJSON(t, s, http.MethodPost, "/v1/events/subscription.changed", map[string]any{
		"event_id":  "evt-s1",
		"member_id": memberID,
		"status":    "past_due",
	})
	assert.Equal(t, http.StatusAccepted, replay.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/subscription.changed", map[string]any{
		"event_id":  "evt-s2",
		"member_id": memberID,
		"status":    "frozen",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/subscription.changed", map[string]any{
		"event_id":  "evt-s3",
		"member_id": snowflake.ID(424242).String(),
		"status":    "canceled",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSupportActionRecordedReplay(t *testing.T) {
	s := newTestServer(t)
	memberID := createMember(t, s, "evt-m1", "")

	w, first := doJSON(t, s, http.MethodPost, "/v1/events/support_action.recorded", map[string]any{
		"event_id":    "evt-sup1",
		"member_id":   memberID,
		"action_type": "coaching_call",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	replay, second := doJSON(t, s, http.MethodPost, "/v1/events/support_action.recorded", map[string]any{
		"event_id":    "evt-sup1",
		"member_id":   memberID,
		"action_type": "coaching_call",
	})
	assert.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, first["action_id"], second["action_id"])
}

func TestCommissionTriggerDepthAndReplay(t *testing.T) {
	s := newTestServer(t)
	rootID := createMember(t, s, "evt-root", "")
	childID := createMember(t, s, "evt-child", rootID)
	grandchildID := createMember(t, s, "evt-grandchild", childID)

	w, resp := doJSON(t, s, http.MethodPost, "/v1/events/commission.trigger", map[string]any{
		"event_id":       "evt-c1",
		"beneficiary_id": rootID,
		"source_id":      childID,
		"source_type":    "subscription_commission",
		"amount_cents":   25_000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", resp["status"])

	replay, again := doJSON(t, s, http.MethodPost, "/v1/events/commission.trigger", map[string]any{
		"event_id":       "evt-c1",
		"beneficiary_id": rootID,
		"source_id":      childID,
		"source_type":    "subscription_commission",
		"amount_cents":   25_000,
	})
	assert.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, resp["entry_id"], again["entry_id"])

	// A starter reaches one level down, so a grandchild source is out of reach.
	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/commission.trigger", map[string]any{
		"event_id":       "evt-c2",
		"beneficiary_id": rootID,
		"source_id":      grandchildID,
		"source_type":    "subscription_commission",
		"amount_cents":   10_000,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/events/commission.trigger", map[string]any{
		"event_id":       "evt-c3",
		"beneficiary_id": rootID,
		"source_id":      childID,
		"source_type":    "subscription_commission",
		"amount_cents":   -5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkPaidStatusMapping(t *testing.T) {
	s := newTestServer(t)
	rootID := createMember(t, s, "evt-root", "")
	childID := createMember(t, s, "evt-child", rootID)

	w, resp := doJSON(t, s, http.MethodPost, "/v1/events/commission.trigger", map[string]any{
		"event_id":       "evt-c1",
		"beneficiary_id": rootID,
		"source_id":      childID,
		"source_type":    "subscription_commission",
		"amount_cents":   25_000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	entryID := resp["entry_id"].(string)

	// Still pending, settlement has not run.
	w, _ = doJSON(t, s, http.MethodPost, "/v1/ledger/mark-paid", map[string]any{
		"entry_ids": []string{entryID},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/ledger/mark-paid", map[string]any{
		"entry_ids": []string{s.genID.Generate().String()},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/ledger/mark-paid", map[string]any{
		"entry_ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemberDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)
	memberID := createMember(t, s, "evt-m1", "")

	w, resp := doJSON(t, s, http.MethodGet, "/v1/members/"+memberID+"/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp, "current_rank")
	assert.Contains(t, resp, "qualification_status")

	w, _ = doJSON(t, s, http.MethodGet, "/v1/members/"+snowflake.ID(13371337).String()+"/dashboard", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/v1/members/abc/dashboard", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
