package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/domain/sync"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingMessageRepository implements the sync.PendingLedger interface on
// top of GORM. Uniqueness of (message_id, stream, consumer_group) is
// enforced by the composite unique index on the table, never by a
// check-then-insert in application code.
type PendingMessageRepository struct {
	db *gorm.DB
}

// NewPendingMessageRepository creates a new pending message repository
func NewPendingMessageRepository(db *gorm.DB) *PendingMessageRepository {
	return &PendingMessageRepository{db: db}
}

// RecordPending inserts a processing record for the key. When the key
// already exists, the insert is a no-op and the existing record is
// returned together with shared.ErrDuplicateProcessing so the caller can
// decide between skip and reclaim. Exactly one of two racing callers wins.
func (r *PendingMessageRepository) RecordPending(ctx context.Context, key sync.MessageKey, eventType, workflowID string) (*sync.PendingMessage, error) {
	record := &sync.PendingMessage{
		MessageID:           key.MessageID,
		Stream:              key.Stream,
		ConsumerGroup:       key.ConsumerGroup,
		EventType:           eventType,
		WorkflowID:          workflowID,
		Status:              sync.StatusProcessing,
		ProcessingStartedAt: time.Now(),
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "message_id"},
				{Name: "stream"},
				{Name: "consumer_group"},
			},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		existing, err := r.Find(ctx, key)
		if err != nil {
			return nil, err
		}
		return existing, shared.ErrDuplicateProcessing
	}

	return record, nil
}

// Find retrieves the record for the key.
func (r *PendingMessageRepository) Find(ctx context.Context, key sync.MessageKey) (*sync.PendingMessage, error) {
	var record sync.PendingMessage
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND stream = ? AND consumer_group = ?",
			key.MessageID, key.Stream, key.ConsumerGroup).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindByWorkflow looks up a record by the (message_id, event_type, status)
// triple used when cross-referencing workflow engine callbacks.
func (r *PendingMessageRepository) FindByWorkflow(ctx context.Context, messageID, eventType string, status sync.ProcessingStatus) (*sync.PendingMessage, error) {
	var record sync.PendingMessage
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND event_type = ? AND status = ?", messageID, eventType, status).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ReclaimStale takes over a processing record whose attempt started more
// than olderThan ago, restamping ProcessingStartedAt for the new attempt.
// The staleness check runs inside the UPDATE so two racing reclaimers
// cannot both win.
func (r *PendingMessageRepository) ReclaimStale(ctx context.Context, key sync.MessageKey, olderThan time.Duration) (*sync.PendingMessage, error) {
	cutoff := time.Now().Add(-olderThan)

	result := r.db.WithContext(ctx).
		Model(&sync.PendingMessage{}).
		Where("message_id = ? AND stream = ? AND consumer_group = ?",
			key.MessageID, key.Stream, key.ConsumerGroup).
		Where("status = ? AND processing_started_at < ?", sync.StatusProcessing, cutoff).
		Update("processing_started_at", time.Now())
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, shared.ErrStaleProcessing
	}

	return r.Find(ctx, key)
}

// MarkProcessed transitions the record to a terminal status and stamps
// ProcessedAt, which starts the retention clock.
func (r *PendingMessageRepository) MarkProcessed(ctx context.Context, key sync.MessageKey, status sync.ProcessingStatus, errMsg string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&sync.PendingMessage{}).
		Where("message_id = ? AND stream = ? AND consumer_group = ?",
			key.MessageID, key.Stream, key.ConsumerGroup).
		Updates(map[string]any{
			"status":       status,
			"error":        errMsg,
			"processed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// PurgeExpired deletes terminal records whose ProcessedAt has aged past the
// retention window and returns the number deleted. Records still in
// processing are never purged here; they go through the reclaim path.
func (r *PendingMessageRepository) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	result := r.db.WithContext(ctx).
		Where("status IN ?", []sync.ProcessingStatus{sync.StatusCompleted, sync.StatusFailed}).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Delete(&sync.PendingMessage{})
	return result.RowsAffected, result.Error
}

// Ensure PendingMessageRepository implements the interface
var _ sync.PendingLedger = (*PendingMessageRepository)(nil)
