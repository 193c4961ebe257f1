package persistence

import (
	"context"
	"time"

	"github.com/entitle/backend/internal/domain/billing"
	"github.com/entitle/backend/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventModel is the GORM model for the webhook idempotency registry
type WebhookEventModel struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source              string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_webhook_source_event"`
	EventID             string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_source_event"`
	EventType           string    `gorm:"type:varchar(100);not null;index"`
	EventTimestamp      time.Time `gorm:"not null"`
	ProcessingResult    string    `gorm:"type:varchar(30);not null;index"`
	ProcessingStartedAt *time.Time
	Attempts            int       `gorm:"not null;default:1"`
	LastError           string    `gorm:"type:text"`
	Payload             []byte    `gorm:"type:bytea"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (WebhookEventModel) TableName() string {
	return "webhook_events"
}

// ToEntity converts the model to a domain entity
func (m *WebhookEventModel) ToEntity() *billing.WebhookEvent {
	return &billing.WebhookEvent{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		Source:              m.Source,
		EventID:             m.EventID,
		EventType:           m.EventType,
		EventTimestamp:      m.EventTimestamp,
		ProcessingResult:    billing.ProcessingResult(m.ProcessingResult),
		ProcessingStartedAt: m.ProcessingStartedAt,
		Attempts:            m.Attempts,
		LastError:           m.LastError,
		Payload:             m.Payload,
	}
}

// WebhookEventModelFromEntity creates a model from a domain entity
func WebhookEventModelFromEntity(e *billing.WebhookEvent) *WebhookEventModel {
	return &WebhookEventModel{
		ID:                  e.ID,
		Source:              e.Source,
		EventID:             e.EventID,
		EventType:           e.EventType,
		EventTimestamp:      e.EventTimestamp,
		ProcessingResult:    string(e.ProcessingResult),
		ProcessingStartedAt: e.ProcessingStartedAt,
		Attempts:            e.Attempts,
		LastError:           e.LastError,
		Payload:             e.Payload,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}

// WebhookEventRepository implements the billing.WebhookEventRepository
// interface. The unique (source, event_id) index is the idempotency
// guarantee; everything else is bookkeeping on top of it.
type WebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository
func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Insert registers a newly seen event. The insert races against concurrent
// deliveries of the same event; exactly one wins, the rest get
// shared.ErrAlreadyExists.
func (r *WebhookEventRepository) Insert(ctx context.Context, event *billing.WebhookEvent) error {
	model := WebhookEventModelFromEntity(event)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(model)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrAlreadyExists
	}
	return nil
}

// FindByKey loads the registry row for an idempotency key
func (r *WebhookEventRepository) FindByKey(ctx context.Context, source, eventID string) (*billing.WebhookEvent, error) {
	var model WebhookEventModel
	err := r.db.WithContext(ctx).
		First(&model, "source = ? AND event_id = ?", source, eventID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// Reclaim atomically takes over an event whose previous claim expired or was
// released. Eligible states are pending, timeout_recovered, and an in-flight
// claim started before claimedBefore. Zero rows means another worker holds a
// live claim or the event already reached a terminal state.
func (r *WebhookEventRepository) Reclaim(ctx context.Context, source, eventID string, claimedBefore time.Time) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&WebhookEventModel{}).
		Where("source = ? AND event_id = ?", source, eventID).
		Where(
			r.db.Where("processing_result IN ?", []string{
				string(billing.ProcessingPending),
				string(billing.ProcessingTimeoutRecovered),
			}).Or(
				"processing_result = ? AND processing_started_at < ?",
				string(billing.ProcessingInProgress), claimedBefore,
			),
		).
		Updates(map[string]interface{}{
			"processing_result":     string(billing.ProcessingInProgress),
			"processing_started_at": now,
			"attempts":              gorm.Expr("attempts + 1"),
			"last_error":            "",
			"updated_at":            now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrClaimConflict
	}
	return nil
}

// MarkCompleted finalizes a successfully applied event
func (r *WebhookEventRepository) MarkCompleted(ctx context.Context, source, eventID string) error {
	return r.markResult(ctx, source, eventID, billing.ProcessingCompleted, "")
}

// MarkFailed records a terminal failure with the error message attached
func (r *WebhookEventRepository) MarkFailed(ctx context.Context, source, eventID string, lastError string) error {
	return r.markResult(ctx, source, eventID, billing.ProcessingFailed, lastError)
}

func (r *WebhookEventRepository) markResult(ctx context.Context, source, eventID string, res billing.ProcessingResult, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&WebhookEventModel{}).
		Where("source = ? AND event_id = ?", source, eventID).
		Updates(map[string]interface{}{
			"processing_result": string(res),
			"last_error":        lastError,
			"updated_at":        time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ReleaseExpired moves processing claims started before claimedBefore to
// timeout_recovered so a redelivery can be admitted again
func (r *WebhookEventRepository) ReleaseExpired(ctx context.Context, claimedBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&WebhookEventModel{}).
		Where("processing_result = ?", string(billing.ProcessingInProgress)).
		Where("processing_started_at < ?", claimedBefore).
		Updates(map[string]interface{}{
			"processing_result": string(billing.ProcessingTimeoutRecovered),
			"updated_at":        time.Now(),
		})

	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// FindFailed lists failed events for operator replay
func (r *WebhookEventRepository) FindFailed(ctx context.Context, limit int) ([]*billing.WebhookEvent, error) {
	var models []WebhookEventModel
	err := r.db.WithContext(ctx).
		Where("processing_result = ?", string(billing.ProcessingFailed)).
		Order("event_timestamp ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*billing.WebhookEvent, len(models))
	for i := range models {
		events[i] = models[i].ToEntity()
	}
	return events, nil
}

// Ensure WebhookEventRepository implements the interface
var _ billing.WebhookEventRepository = (*WebhookEventRepository)(nil)
