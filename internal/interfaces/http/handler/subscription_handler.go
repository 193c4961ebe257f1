package handler

import (
	"time"

	billingapp "github.com/entitle/backend/internal/application/billing"
	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubscriptionHandler exposes self-service tier changes
type SubscriptionHandler struct {
	BaseHandler
	tiers *billingapp.TierService
	subs  billing.SubscriptionRepository
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(tiers *billingapp.TierService, subs billing.SubscriptionRepository) *SubscriptionHandler {
	return &SubscriptionHandler{tiers: tiers, subs: subs}
}

// ChangeTierRequest names the target tier of a self-service change
//
//	@Description	Tier change request
type ChangeTierRequest struct {
	TargetTier string `json:"target_tier" binding:"required" example:"pro"`
	// EffectiveAt defers a downgrade to a future instant. When omitted the
	// downgrade is scheduled for the end of the current billing period.
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// Upgrade godoc
//
//	@ID				upgradeSubscription
//	@Summary		Upgrade to a higher tier
//	@Description	Apply an immediate tier upgrade for the authenticated organization
//	@Tags			subscription
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ChangeTierRequest	true	"Target tier"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/subscription/upgrade [post]
func (h *SubscriptionHandler) Upgrade(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}
	subjectID, err := getSubjectID(c)
	if err != nil {
		h.Unauthorized(c, "Subject not found in token")
		return
	}

	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	target, err := billing.ParseTier(req.TargetTier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.tiers.Upgrade(c.Request.Context(), orgID, target, &subjectID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"tier": string(target)})
}

// ScheduleDowngrade godoc
//
//	@ID				scheduleDowngrade
//	@Summary		Schedule a downgrade
//	@Description	Schedule a downgrade to a lower tier. The current tier stays in effect until the scheduled instant, by default the end of the current billing period.
//	@Tags			subscription
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ChangeTierRequest	true	"Target tier and optional effective instant"
//	@Success		200		{object}	SuccessResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/subscription/downgrade [post]
func (h *SubscriptionHandler) ScheduleDowngrade(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}
	subjectID, err := getSubjectID(c)
	if err != nil {
		h.Unauthorized(c, "Subject not found in token")
		return
	}

	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	target, err := billing.ParseTier(req.TargetTier)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	effectiveAt, err := h.resolveEffectiveAt(c, orgID, req.EffectiveAt)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if err := h.tiers.ScheduleDowngrade(c.Request.Context(), orgID, target, effectiveAt, billing.ActorUser, &subjectID, ""); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{
		"target_tier":  string(target),
		"effective_at": effectiveAt.UTC().Format(time.RFC3339),
	})
}

// CancelScheduledDowngrade godoc
//
//	@ID				cancelScheduledDowngrade
//	@Summary		Cancel a scheduled downgrade
//	@Description	Remove a pending downgrade. Fails with a conflict if a worker already started executing it.
//	@Tags			subscription
//	@Produce		json
//	@Success		200	{object}	SuccessResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/subscription/downgrade [delete]
func (h *SubscriptionHandler) CancelScheduledDowngrade(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}
	subjectID, err := getSubjectID(c)
	if err != nil {
		h.Unauthorized(c, "Subject not found in token")
		return
	}

	if err := h.tiers.CancelScheduledDowngrade(c.Request.Context(), orgID, billing.ActorUser, &subjectID, ""); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"cancelled": true})
}

// Cancel godoc
//
//	@ID				cancelSubscription
//	@Summary		Cancel the subscription
//	@Description	Retire the subscription and drop the organization to the free tier
//	@Tags			subscription
//	@Produce		json
//	@Success		200	{object}	SuccessResponse
//	@Failure		422	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/subscription/cancel [post]
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID not found in token")
		return
	}
	subjectID, err := getSubjectID(c)
	if err != nil {
		h.Unauthorized(c, "Subject not found in token")
		return
	}

	if err := h.tiers.CancelSubscription(c.Request.Context(), orgID, &subjectID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"tier": string(billing.TierFree)})
}

// resolveEffectiveAt defaults a downgrade to the end of the current period
func (h *SubscriptionHandler) resolveEffectiveAt(c *gin.Context, orgID uuid.UUID, requested *time.Time) (time.Time, error) {
	if requested != nil {
		return *requested, nil
	}
	sub, err := h.subs.FindByOrgID(c.Request.Context(), orgID)
	if err != nil {
		return time.Time{}, err
	}
	return sub.CurrentPeriodEnd, nil
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sub := rg.Group("/subscription")
	{
		sub.POST("/upgrade", h.Upgrade)
		sub.POST("/downgrade", h.ScheduleDowngrade)
		sub.DELETE("/downgrade", h.CancelScheduledDowngrade)
		sub.POST("/cancel", h.Cancel)
	}
}
