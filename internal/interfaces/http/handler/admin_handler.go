package handler

import (
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminHandler exposes the operator override surface. Every route requires
// the admin role and a reason; the reason ends up in the audit ledger.
type AdminHandler struct {
	BaseHandler
	admin *billingapp.AdminService
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(admin *billingapp.AdminService) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// adminOrgID parses the :id path parameter
func (h *AdminHandler) adminOrgID(c *gin.Context) (uuid.UUID, bool) {
	orgID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "Invalid organization ID format")
		return uuid.Nil, false
	}
	return orgID, true
}

// adminID resolves the acting admin from the token
func (h *AdminHandler) adminID(c *gin.Context) (uuid.UUID, bool) {
	adminID, err := getSubjectID(c)
	if err != nil {
		h.Unauthorized(c, "Admin identity not found in token")
		return uuid.Nil, false
	}
	return adminID, true
}

// SetTierRequest forces an organization onto a tier
//
//	@Description	Admin tier override request
type SetTierRequest struct {
	Tier   string `json:"tier" binding:"required" example:"team"`
	Reason string `json:"reason" binding:"required" example:"migrated from legacy contract"`
}

// SetTier godoc
//
//	@ID				adminSetTier
//	@Summary		Force an organization onto a tier
//	@Description	Overrides the tier in either direction, bypassing self-service transition rules
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Organization ID"
//	@Param			request	body		SetTierRequest	true	"Override details"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/tier [put]
func (h *AdminHandler) SetTier(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	target, err := billing.ParseTier(req.Tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.admin.SetTier(c.Request.Context(), orgID, target, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"tier": string(target)})
}

// AdminScheduleDowngradeRequest schedules a downgrade on behalf of an org
//
//	@Description	Admin downgrade schedule request
type AdminScheduleDowngradeRequest struct {
	TargetTier  string    `json:"target_tier" binding:"required" example:"pro"`
	EffectiveAt time.Time `json:"effective_at" binding:"required"`
	Reason      string    `json:"reason" binding:"required" example:"customer request via support"`
}

// ScheduleDowngrade godoc
//
//	@ID				adminScheduleDowngrade
//	@Summary		Schedule a downgrade for an organization
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string							true	"Organization ID"
//	@Param			request	body		AdminScheduleDowngradeRequest	true	"Downgrade details"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/downgrade-schedule [post]
func (h *AdminHandler) ScheduleDowngrade(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req AdminScheduleDowngradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	target, err := billing.ParseTier(req.TargetTier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.admin.ScheduleDowngrade(c.Request.Context(), orgID, target, req.EffectiveAt, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{
		"target_tier":  string(target),
		"effective_at": req.EffectiveAt.UTC().Format(time.RFC3339),
	})
}

// AdminReasonRequest carries the mandatory audit reason
//
//	@Description	Reason for an admin override
type AdminReasonRequest struct {
	Reason string `json:"reason" binding:"required" example:"billing dispute resolved"`
}

// CancelScheduledDowngrade godoc
//
//	@ID				adminCancelScheduledDowngrade
//	@Summary		Cancel a scheduled downgrade for an organization
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		AdminReasonRequest	true	"Audit reason"
//	@Success		200		{object}	SuccessResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/downgrade-schedule [delete]
func (h *AdminHandler) CancelScheduledDowngrade(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	if err := h.admin.CancelScheduledDowngrade(c.Request.Context(), orgID, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"cancelled": true})
}

// SetSpendCapRequest sets or replaces an organization's spend cap
//
//	@Description	Spend cap settings
type SetSpendCapRequest struct {
	CapAmountCents int64  `json:"cap_amount_cents" binding:"required,gt=0" example:"50000"`
	HardPause      bool   `json:"hard_pause" example:"true"`
	Reason         string `json:"reason" binding:"required"`
}

// SetSpendCap godoc
//
//	@ID				adminSetSpendCap
//	@Summary		Set or replace the spend cap for an organization
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		SetSpendCapRequest	true	"Cap settings"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/spend-cap [put]
func (h *AdminHandler) SetSpendCap(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req SetSpendCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	if err := h.admin.SetSpendCap(c.Request.Context(), orgID, req.CapAmountCents, req.HardPause, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"cap_amount_cents": req.CapAmountCents, "hard_pause": req.HardPause})
}

// RemoveSpendCap godoc
//
//	@ID				adminRemoveSpendCap
//	@Summary		Remove the spend cap for an organization
//	@Description	Removes the cap and lifts a cap-induced pause
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		AdminReasonRequest	true	"Audit reason"
//	@Success		200		{object}	SuccessResponse
//	@Failure		404		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/spend-cap [delete]
func (h *AdminHandler) RemoveSpendCap(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req AdminReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	if err := h.admin.RemoveSpendCap(c.Request.Context(), orgID, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"removed": true})
}

// OverrideSpendCapRequest lifts a cap-induced pause until a given instant
//
//	@Description	Temporary spend cap override
type OverrideSpendCapRequest struct {
	Until  time.Time `json:"until" binding:"required"`
	Reason string    `json:"reason" binding:"required"`
}

// OverrideSpendCap godoc
//
//	@ID				adminOverrideSpendCap
//	@Summary		Temporarily override a spend cap pause
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Organization ID"
//	@Param			request	body		OverrideSpendCapRequest	true	"Override window"
//	@Success		200		{object}	SuccessResponse
//	@Failure		404		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/spend-cap/override [post]
func (h *AdminHandler) OverrideSpendCap(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req OverrideSpendCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	if err := h.admin.OverrideSpendCap(c.Request.Context(), orgID, req.Until, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"until": req.Until.UTC().Format(time.RFC3339)})
}

// GrantTrialRequest grants a time-boxed trial on a higher tier
//
//	@Description	Admin trial grant
type GrantTrialRequest struct {
	Tier      string    `json:"tier" binding:"required" example:"enterprise"`
	ExpiresAt time.Time `json:"expires_at" binding:"required"`
	Reason    string    `json:"reason" binding:"required"`
}

// GrantTrial godoc
//
//	@ID				adminGrantTrial
//	@Summary		Grant a time-boxed trial on a higher tier
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		GrantTrialRequest	true	"Trial details"
//	@Success		200		{object}	SuccessResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/trial [post]
func (h *AdminHandler) GrantTrial(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req GrantTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	tier, err := billing.ParseTier(req.Tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.admin.GrantAdminTrial(c.Request.Context(), orgID, tier, req.ExpiresAt, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{
		"tier":       string(tier),
		"expires_at": req.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// SetLimitsRequest replaces the admin-set per-resource limits
//
//	@Description	Custom resource limits
type SetLimitsRequest struct {
	Limits map[string]int64 `json:"limits" binding:"required"`
	Reason string           `json:"reason" binding:"required"`
}

// SetLimits godoc
//
//	@ID				adminSetLimits
//	@Summary		Set custom resource limits for an organization
//	@Description	Custom limits override the tier defaults in entitlement snapshots and overage metering
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Organization ID"
//	@Param			request	body		SetLimitsRequest	true	"Limits keyed by resource type"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/limits [put]
func (h *AdminHandler) SetLimits(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req SetLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	limits := make(map[billing.ResourceType]int64, len(req.Limits))
	for name, limit := range req.Limits {
		resource, err := billing.ParseResourceType(name)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		limits[resource] = limit
	}

	if err := h.admin.SetCustomLimits(c.Request.Context(), orgID, limits, adminID, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"limits": req.Limits})
}

// IssueCreditRequest credits the organization's provider balance
//
//	@Description	Credit request
type IssueCreditRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0" example:"2500"`
	Reason      string `json:"reason" binding:"required"`
}

// IssueCredit godoc
//
//	@ID				adminIssueCredit
//	@Summary		Issue a balance credit to an organization
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		IssueCreditRequest	true	"Credit details"
//	@Success		200		{object}	APIResponse[billing.CreditOutput]
//	@Failure		422		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/credit [post]
func (h *AdminHandler) IssueCredit(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req IssueCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	out, err := h.admin.IssueCredit(c.Request.Context(), billingapp.CreditRequest{
		OrgID:       orgID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
	}, adminID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, out)
}

// IssueRefundRequest refunds a settled provider payment
//
//	@Description	Refund request
type IssueRefundRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required" example:"pi_3MtwBwLkdIwHu7ix28a3tqPa"`
	// AmountCents of 0 refunds the full payment
	AmountCents int64  `json:"amount_cents" example:"9900"`
	Reason      string `json:"reason" binding:"required"`
}

// IssueRefund godoc
//
//	@ID				adminIssueRefund
//	@Summary		Refund a settled payment
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Organization ID"
//	@Param			request	body		IssueRefundRequest	true	"Refund details"
//	@Success		200		{object}	APIResponse[billing.RefundOutput]
//	@Failure		422		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/admin/orgs/{id}/refund [post]
func (h *AdminHandler) IssueRefund(c *gin.Context) {
	orgID, ok := h.adminOrgID(c)
	if !ok {
		return
	}
	adminID, ok := h.adminID(c)
	if !ok {
		return
	}

	var req IssueRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	out, err := h.admin.IssueRefund(c.Request.Context(), billingapp.RefundRequest{
		OrgID:           orgID,
		PaymentIntentID: req.PaymentIntentID,
		AmountCents:     req.AmountCents,
		Reason:          req.Reason,
	}, adminID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, out)
}

// RegisterRoutes registers admin override routes
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	orgs := rg.Group("/orgs/:id")
	{
		orgs.PUT("/tier", h.SetTier)
		orgs.POST("/downgrade-schedule", h.ScheduleDowngrade)
		orgs.DELETE("/downgrade-schedule", h.CancelScheduledDowngrade)
		orgs.PUT("/spend-cap", h.SetSpendCap)
		orgs.DELETE("/spend-cap", h.RemoveSpendCap)
		orgs.POST("/spend-cap/override", h.OverrideSpendCap)
		orgs.POST("/trial", h.GrantTrial)
		orgs.PUT("/limits", h.SetLimits)
		orgs.POST("/credit", h.IssueCredit)
		orgs.POST("/refund", h.IssueRefund)
	}
}
