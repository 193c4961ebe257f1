package billing

import (
	domain "github.com/entitle/backend/internal/domain/billing"
)

// Gateway types are defined on the domain port; the aliases keep the adapter
// package self-contained for callers that wire it directly.
type (
	InstantChargeInput  = domain.InstantChargeInput
	InstantChargeOutput = domain.InstantChargeOutput
	CreditInput         = domain.CreditInput
	CreditOutput        = domain.CreditOutput
	RefundInput         = domain.RefundInput
	RefundOutput        = domain.RefundOutput
)

var _ domain.ChargeGateway = (*StripeAdapter)(nil)
