package handler

import (
	"strconv"
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EntitlementHandler serves the read-only billing surface: entitlement
// snapshots, admission checks, overage history and the audit ledger.
type EntitlementHandler struct {
	BaseHandler
	queries *billingapp.QueryService
	caps    *billingapp.SpendCapService
}

// NewEntitlementHandler creates a new EntitlementHandler
func NewEntitlementHandler(queries *billingapp.QueryService, caps *billingapp.SpendCapService) *EntitlementHandler {
	return &EntitlementHandler{queries: queries, caps: caps}
}

// AdmissionResponse answers "may this organization consume service right now"
//
//	@Description	Admission decision for an organization
type AdmissionResponse struct {
	OrgID     string    `json:"org_id"`
	Admitted  bool      `json:"admitted"`
	Paused    bool      `json:"paused"`
	CheckedAt time.Time `json:"checked_at"`
}

// GetEntitlements godoc
//
//	@ID				getEntitlements
//	@Summary		Get the entitlement snapshot
//	@Description	Effective tier, limits, pause state and pending changes for the authenticated organization
//	@Tags			entitlements
//	@Produce		json
//	@Success		200	{object}	APIResponse[billingapp.EntitlementSnapshot]
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/entitlements [get]
func (h *EntitlementHandler) GetEntitlements(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}

	snapshot, err := h.queries.GetEntitlements(c.Request.Context(), orgID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, snapshot)
}

// CheckAdmission godoc
//
//	@ID				checkAdmission
//	@Summary		Check service admission for an organization
//	@Description	Fast pause-flag check used by the serving layer before doing work on behalf of an organization
//	@Tags			entitlements
//	@Produce		json
//	@Param			org_id	path		string	true	"Organization ID"
//	@Success		200		{object}	APIResponse[AdmissionResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admission/{org_id} [get]
func (h *EntitlementHandler) CheckAdmission(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("org_id"))
	if err != nil {
		h.BadRequest(c, "Invalid organization ID format")
		return
	}

	paused, err := h.caps.IsPaused(c.Request.Context(), orgID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, AdmissionResponse{
		OrgID:     orgID.String(),
		Admitted:  !paused,
		Paused:    paused,
		CheckedAt: time.Now().UTC(),
	})
}

// GetOverages godoc
//
//	@ID				getOverages
//	@Summary		List overage charges
//	@Description	Per-period overage accumulator rows for the authenticated organization, most recent first
//	@Tags			entitlements
//	@Produce		json
//	@Param			limit	query		int	false	"Page size (default 50, max 200)"
//	@Param			offset	query		int	false	"Offset"
//	@Success		200		{object}	APIResponse[[]billing.OverageCharge]
//	@Failure		401		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/overages [get]
func (h *EntitlementHandler) GetOverages(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	charges, err := h.queries.GetOverageHistory(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, charges)
}

// GetLedger godoc
//
//	@ID				getLedger
//	@Summary		Query the entitlement ledger
//	@Description	Append-only audit trail of billing state changes for the authenticated organization
//	@Tags			entitlements
//	@Produce		json
//	@Param			event_type	query		string	false	"Filter by event type"
//	@Param			actor		query		string	false	"Filter by actor type (user, admin, system, stripe)"
//	@Param			from		query		string	false	"RFC3339 lower bound"
//	@Param			to			query		string	false	"RFC3339 upper bound"
//	@Param			order_by	query		string	false	"Sort field (default created_at)"
//	@Param			order_dir	query		string	false	"Sort direction asc or desc (default desc)"
//	@Param			limit		query		int		false	"Page size (default 100)"
//	@Param			offset		query		int		false	"Offset"
//	@Success		200			{object}	APIResponse[[]billing.BillingEvent]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		401			{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/ledger [get]
func (h *EntitlementHandler) GetLedger(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}

	filter := billing.LedgerFilter{
		OrgID:     &orgID,
		EventType: c.Query("event_type"),
		OrderBy:   c.Query("order_by"),
		OrderDir:  c.Query("order_dir"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}

	if actor := c.Query("actor"); actor != "" {
		actorType := billing.ActorType(actor)
		if !actorType.IsValid() {
			h.BadRequest(c, "Unknown actor type: "+actor)
			return
		}
		filter.ActorType = &actorType
	}

	if from := c.Query("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.BadRequest(c, "Invalid 'from' timestamp, expected RFC3339")
			return
		}
		filter.From = &ts
	}
	if to := c.Query("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.BadRequest(c, "Invalid 'to' timestamp, expected RFC3339")
			return
		}
		filter.To = &ts
	}

	events, err := h.queries.QueryLedger(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, events)
}

// queryInt parses an integer query parameter with a fallback
func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// RegisterRoutes registers entitlement read routes
func (h *EntitlementHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/entitlements", h.GetEntitlements)
	rg.GET("/admission/:org_id", h.CheckAdmission)
	rg.GET("/overages", h.GetOverages)
	rg.GET("/ledger", h.GetLedger)
}
