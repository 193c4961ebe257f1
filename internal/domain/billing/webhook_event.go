package billing

import (
	"time"

	"github.com/entitle/backend/internal/domain/shared"
)

// ProcessingResult tracks the lifecycle of a webhook event in the registry
type ProcessingResult string

const (
	// ProcessingPending is a registered but unclaimed event
	ProcessingPending ProcessingResult = "pending"

	// ProcessingInProgress is claimed by a worker
	ProcessingInProgress ProcessingResult = "processing"

	// ProcessingCompleted was applied successfully; replays are no-ops
	ProcessingCompleted ProcessingResult = "completed"

	// ProcessingFailed exhausted retries; kept for manual replay
	ProcessingFailed ProcessingResult = "failed"

	// ProcessingTimeoutRecovered was claimed by a worker that never finished
	// and has been released for re-admission
	ProcessingTimeoutRecovered ProcessingResult = "timeout_recovered"
)

// IsValid returns true for known processing results
func (r ProcessingResult) IsValid() bool {
	switch r {
	case ProcessingPending, ProcessingInProgress, ProcessingCompleted, ProcessingFailed, ProcessingTimeoutRecovered:
		return true
	}
	return false
}

// IsTerminal returns true if the event needs no further processing
func (r ProcessingResult) IsTerminal() bool {
	return r == ProcessingCompleted || r == ProcessingFailed
}

// WebhookEvent is the idempotency registry row for an inbound billing event.
// Identity is the (Source, EventID) pair, unique in storage; the row itself
// serves as the mutex for processing via conditional status updates.
type WebhookEvent struct {
	shared.BaseEntity
	Source              string
	EventID             string
	EventType           string
	EventTimestamp      time.Time
	ProcessingResult    ProcessingResult
	ProcessingStartedAt *time.Time
	Attempts            int
	LastError           string
	Payload             []byte
}

// NewWebhookEvent registers a newly seen provider event in the processing state
func NewWebhookEvent(source, eventID, eventType string, eventTimestamp time.Time, payload []byte) (*WebhookEvent, error) {
	if source == "" || eventID == "" {
		return nil, shared.NewDomainError("INVALID_EVENT_KEY", "Event source and ID cannot be empty")
	}
	now := time.Now()
	return &WebhookEvent{
		BaseEntity:          shared.NewBaseEntity(),
		Source:              source,
		EventID:             eventID,
		EventType:           eventType,
		EventTimestamp:      eventTimestamp,
		ProcessingResult:    ProcessingInProgress,
		ProcessingStartedAt: &now,
		Attempts:            1,
		Payload:             payload,
	}, nil
}

// IsClaimExpired reports whether a processing claim is older than timeout.
// An expired claim belongs to a crashed worker and may be recovered.
func (e *WebhookEvent) IsClaimExpired(timeout time.Duration) bool {
	if e.ProcessingResult != ProcessingInProgress || e.ProcessingStartedAt == nil {
		return false
	}
	return time.Since(*e.ProcessingStartedAt) > timeout
}

// AdmitDecision is the outcome of the idempotency gate for an inbound event
type AdmitDecision string

const (
	// AdmitAccept admits a novel event for processing
	AdmitAccept AdmitDecision = "accept"

	// AdmitDuplicateSkip rejects an event with a terminal outcome; replay is a
	// safe no-op
	AdmitDuplicateSkip AdmitDecision = "duplicate_skip"

	// AdmitInFlight rejects a redelivery while another worker holds a live
	// claim on the event. The delivery must NOT be acknowledged: if the claim
	// holder crashes, provider redelivery after the claim window is the only
	// way the event gets processed.
	AdmitInFlight AdmitDecision = "in_flight"

	// AdmitStaleReject rejects an event older than the applied provider state
	AdmitStaleReject AdmitDecision = "stale_reject"
)
