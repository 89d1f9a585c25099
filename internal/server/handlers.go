package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/uplinehq/matrix/internal/ledger/domain"
	memberdomain "github.com/uplinehq/matrix/internal/member/domain"
	perioddomain "github.com/uplinehq/matrix/internal/period/domain"
	rankdomain "github.com/uplinehq/matrix/internal/rank/domain"
	supportdomain "github.com/uplinehq/matrix/internal/support/domain"
	"go.uber.org/zap"
)

type memberCreatedRequest struct {
	EventID  string  `json:"event_id" binding:"required"`
	ParentID *string `json:"parent_id"`
	JoinedAt *string `json:"joined_at"`
	Active   *bool   `json:"active"`
}

func (s *Server) MemberCreated(c *gin.Context) {
	var req memberCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	addReq := memberdomain.AddMemberRequest{
		EventID: req.EventID,
		Active:  true,
	}
	if req.Active != nil {
		addReq.Active = *req.Active
	}
	if req.ParentID != nil {
		parentID, err := snowflake.ParseString(*req.ParentID)
		if err != nil {
			badRequest(c, "invalid parent_id")
			return
		}
		addReq.ParentID = &parentID
	}
	if req.JoinedAt != nil {
		joinedAt, err := time.Parse(time.RFC3339, *req.JoinedAt)
		if err != nil {
			badRequest(c, "invalid joined_at")
			return
		}
		addReq.JoinedAt = joinedAt
	}

	member, err := s.memberSvc.AddMember(c.Request.Context(), addReq)
	if err != nil && !errors.Is(err, memberdomain.ErrDuplicateEvent) {
		s.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if errors.Is(err, memberdomain.ErrDuplicateEvent) {
		status = http.StatusAccepted
	}

	body := gin.H{
		"member_id":           member.ID.String(),
		"depth":               member.Depth,
		"rank_key":            member.RankKey,
		"subscription_status": member.SubscriptionStatus,
	}
	if member.ParentID != nil {
		body["parent_id"] = member.ParentID.String()
	}
	c.JSON(status, body)
}

type subscriptionChangedRequest struct {
	EventID  string `json:"event_id" binding:"required"`
	MemberID string `json:"member_id" binding:"required"`
	Status   string `json:"status" binding:"required"`
}

func (s *Server) SubscriptionChanged(c *gin.Context) {
	var req subscriptionChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	memberID, err := snowflake.ParseString(req.MemberID)
	if err != nil {
		badRequest(c, "invalid member_id")
		return
	}

	err = s.memberSvc.RecordSubscriptionChange(c.Request.Context(), memberID, memberdomain.SubscriptionStatus(req.Status), req.EventID)
	if errors.Is(err, memberdomain.ErrDuplicateEvent) {
		c.JSON(http.StatusAccepted, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type supportActionRequest struct {
	EventID    string  `json:"event_id" binding:"required"`
	MemberID   string  `json:"member_id" binding:"required"`
	ActionType string  `json:"action_type" binding:"required"`
	OccurredAt *string `json:"occurred_at"`
}

func (s *Server) SupportActionRecorded(c *gin.Context) {
	var req supportActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	memberID, err := snowflake.ParseString(req.MemberID)
	if err != nil {
		badRequest(c, "invalid member_id")
		return
	}

	recordReq := supportdomain.RecordRequest{
		MemberID:   memberID,
		ActionType: req.ActionType,
		EventID:    req.EventID,
	}
	if req.OccurredAt != nil {
		occurredAt, err := time.Parse(time.RFC3339, *req.OccurredAt)
		if err != nil {
			badRequest(c, "invalid occurred_at")
			return
		}
		recordReq.OccurredAt = occurredAt
	}

	action, err := s.supportSvc.Record(c.Request.Context(), recordReq)
	if err != nil && !errors.Is(err, supportdomain.ErrDuplicateEvent) {
		s.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if errors.Is(err, supportdomain.ErrDuplicateEvent) {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"action_id":   action.ID.String(),
		"member_id":   action.MemberID.String(),
		"action_type": action.ActionType,
	})
}

type commissionTriggerRequest struct {
	EventID       string         `json:"event_id" binding:"required"`
	BeneficiaryID string         `json:"beneficiary_id" binding:"required"`
	SourceID      string         `json:"source_id" binding:"required"`
	SourceType    string         `json:"source_type" binding:"required"`
	AmountCents   int64          `json:"amount_cents" binding:"required"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) CommissionTrigger(c *gin.Context) {
	var req commissionTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	beneficiaryID, err := snowflake.ParseString(req.BeneficiaryID)
	if err != nil {
		badRequest(c, "invalid beneficiary_id")
		return
	}
	sourceID, err := snowflake.ParseString(req.SourceID)
	if err != nil {
		badRequest(c, "invalid source_id")
		return
	}

	period, err := s.periodSvc.EnsureCurrent(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	entry, err := s.ledgerSvc.Record(c.Request.Context(), ledgerdomain.RecordRequest{
		BeneficiaryID:  beneficiaryID,
		SourceID:       sourceID,
		SourceType:     req.SourceType,
		AmountCents:    req.AmountCents,
		PeriodID:       period.ID,
		IdempotencyKey: req.EventID,
		Metadata:       req.Metadata,
	})
	if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
		s.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"entry_id":     entry.ID.String(),
		"status":       entry.Status,
		"amount_cents": entry.AmountCents,
		"period_id":    entry.PeriodID.String(),
	})
}

type markPaidRequest struct {
	EntryIDs []string `json:"entry_ids" binding:"required,min=1"`
}

func (s *Server) MarkPaid(c *gin.Context) {
	var req markPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	entryIDs := make([]snowflake.ID, 0, len(req.EntryIDs))
	for _, raw := range req.EntryIDs {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			badRequest(c, "invalid entry id: "+raw)
			return
		}
		entryIDs = append(entryIDs, id)
	}

	if err := s.ledgerSvc.MarkPaid(c.Request.Context(), entryIDs); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "count": len(entryIDs)})
}

func (s *Server) MemberDashboard(c *gin.Context) {
	memberID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid member id")
		return
	}

	data, err := s.dashboardSvc.Get(c.Request.Context(), memberID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, memberdomain.ErrNotFound),
		errors.Is(err, supportdomain.ErrUnknownMember),
		errors.Is(err, ledgerdomain.ErrUnknownMember),
		errors.Is(err, ledgerdomain.ErrEntryNotFound),
		errors.Is(err, perioddomain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, memberdomain.ErrInvalidParent),
		errors.Is(err, ledgerdomain.ErrBeneficiaryDepthExceeded),
		errors.Is(err, ledgerdomain.ErrSourceOutsideSubtree),
		errors.Is(err, ledgerdomain.ErrEntryNotEligible):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, memberdomain.ErrInvalidStatus),
		errors.Is(err, supportdomain.ErrInvalidActionType),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSourceType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rankdomain.ErrUnknownRank):
		s.log.Error("request hit unknown rank", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		s.log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
