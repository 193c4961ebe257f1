package handler

import (
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// UsageHandler ingests usage deltas from the serving layer
type UsageHandler struct {
	BaseHandler
	meter *billingapp.OverageMeterService
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(meter *billingapp.OverageMeterService) *UsageHandler {
	return &UsageHandler{meter: meter}
}

// RecordUsageRequest represents a single usage delta
//
//	@Description	Usage delta reported by the serving layer
type RecordUsageRequest struct {
	Resource   string     `json:"resource" binding:"required" example:"api_calls"`
	Count      int64      `json:"count" binding:"required,gt=0" example:"25"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	// SourceID dedupes client retries of the same delta within the period
	SourceID string `json:"source_id,omitempty" example:"req-8f41c2"`
}

// RecordUsageResponse represents the accumulator state after a usage report
//
//	@Description	Usage accumulator state
type RecordUsageResponse struct {
	Duplicate        bool   `json:"duplicate"`
	BaseLimit        int64  `json:"base_limit"`
	ActualUsage      int64  `json:"actual_usage"`
	OverageAmount    int64  `json:"overage_amount"`
	TotalChargeCents int64  `json:"total_charge_cents"`
	InstantChargeID  string `json:"instant_charge_id,omitempty"`
}

// RecordUsage godoc
//
//	@ID				recordUsage
//	@Summary		Record a usage delta
//	@Description	Report resource consumption for the authenticated organization. Usage beyond the tier limit accrues overage charges.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body		RecordUsageRequest	true	"Usage delta"
//	@Success		200		{object}	APIResponse[RecordUsageResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/usage [post]
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}

	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	resource, err := billing.ParseResourceType(req.Resource)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	result, err := h.meter.RecordUsage(c.Request.Context(), billingapp.UsageInput{
		OrgID:      orgID,
		Resource:   resource,
		Count:      req.Count,
		OccurredAt: occurredAt,
		SourceID:   req.SourceID,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := RecordUsageResponse{
		Duplicate:        result.Duplicate,
		BaseLimit:        result.BaseLimit,
		ActualUsage:      result.ActualUsage,
		OverageAmount:    result.OverageAmount,
		TotalChargeCents: result.TotalChargeCents,
	}
	if result.InstantCharge != nil {
		resp.InstantChargeID = result.InstantCharge.ID.String()
	}
	h.Success(c, resp)
}

// RegisterRoutes registers usage routes
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/usage", h.RecordUsage)
}
