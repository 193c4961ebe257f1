package persistence

import (
	"strings"
)

// ValidateSortOrder validates and normalizes the sort order to ASC or DESC.
// Returns "DESC" as the default if the input is invalid or empty.
func ValidateSortOrder(orderDir string) string {
	normalized := strings.ToUpper(strings.TrimSpace(orderDir))
	if normalized == "ASC" {
		return "ASC"
	}
	return "DESC"
}

// ValidateSortField validates the sort field against a whitelist of allowed fields.
// Returns the defaultField if the input is invalid, empty, or not in the whitelist.
func ValidateSortField(sortField string, allowedFields map[string]bool, defaultField string) string {
	trimmed := strings.TrimSpace(sortField)
	if trimmed == "" {
		return defaultField
	}
	if allowedFields[trimmed] {
		return trimmed
	}
	return defaultField
}

// LedgerSortFields contains allowed sort fields for ledger entries
var LedgerSortFields = map[string]bool{
	"created_at": true,
	"event_type": true,
	"actor_type": true,
}

// OverageSortFields contains allowed sort fields for overage accumulators
var OverageSortFields = map[string]bool{
	"created_at":           true,
	"updated_at":           true,
	"period_start":         true,
	"resource_type":        true,
	"accumulated_cents":    true,
	"charged_cents":        true,
	"last_threshold_cents": true,
}

// TierAuditSortFields contains allowed sort fields for tier change audit rows
var TierAuditSortFields = map[string]bool{
	"created_at": true,
	"from_tier":  true,
	"to_tier":    true,
	"source":     true,
}

// WebhookEventSortFields contains allowed sort fields for webhook dedup records
var WebhookEventSortFields = map[string]bool{
	"created_at":        true,
	"updated_at":        true,
	"event_type":        true,
	"processing_result": true,
	"attempts":          true,
}
