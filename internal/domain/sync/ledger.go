package sync

import (
	"context"
	"time"
)

// ProcessingStatus represents the processing state of a pending message.
type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// DefaultRetention bounds how long ledger rows are kept. Idempotency
// guarantees hold only within this window.
const DefaultRetention = 30 * 24 * time.Hour

// MessageKey uniquely identifies a message within a consumer group.
type MessageKey struct {
	MessageID     string
	Stream        string
	ConsumerGroup string
}

// PendingMessage is the durable record tracking per-group processing state
// of a stream message. Unique per (message_id, stream, consumer_group),
// enforced by a storage-level constraint rather than check-then-insert.
type PendingMessage struct {
	ID                  uint             `gorm:"primaryKey"`
	MessageID           string           `gorm:"size:128;not null;uniqueIndex:idx_pending_message_key,priority:1;index:idx_pending_workflow,priority:1"`
	Stream              string           `gorm:"size:255;not null;uniqueIndex:idx_pending_message_key,priority:2"`
	ConsumerGroup       string           `gorm:"size:128;not null;uniqueIndex:idx_pending_message_key,priority:3"`
	EventType           string           `gorm:"size:128;index:idx_pending_workflow,priority:2"`
	WorkflowID          string           `gorm:"size:128;index"`
	Status              ProcessingStatus `gorm:"size:16;not null;index:idx_pending_workflow,priority:3"`
	Error               string           `gorm:"type:text"`
	ProcessingStartedAt time.Time        `gorm:"not null"`
	ProcessedAt         *time.Time       `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName returns the table name for GORM.
func (PendingMessage) TableName() string {
	return "pending_messages"
}

// Key returns the unique key of the record.
func (m *PendingMessage) Key() MessageKey {
	return MessageKey{
		MessageID:     m.MessageID,
		Stream:        m.Stream,
		ConsumerGroup: m.ConsumerGroup,
	}
}

// IsTerminal reports whether the record has reached a terminal state.
func (m *PendingMessage) IsTerminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// StaleSince reports whether a processing record has been held longer than
// the given threshold. The threshold is caller policy, not a ledger constant.
func (m *PendingMessage) StaleSince(threshold time.Duration, now time.Time) bool {
	return m.Status == StatusProcessing && now.Sub(m.ProcessingStartedAt) > threshold
}

// PurgeEligible reports whether the record's terminal timestamp has aged
// past the retention window.
func (m *PendingMessage) PurgeEligible(retention time.Duration, now time.Time) bool {
	return m.ProcessedAt != nil && now.Sub(*m.ProcessedAt) > retention
}

// PendingLedger is the durable idempotency ledger contract.
//
// RecordPending is the single hard mutual-exclusion point of the design:
// exactly one of two racing callers for the same key wins; the loser
// receives the existing record together with shared.ErrDuplicateProcessing.
type PendingLedger interface {
	RecordPending(ctx context.Context, key MessageKey, eventType, workflowID string) (*PendingMessage, error)
	Find(ctx context.Context, key MessageKey) (*PendingMessage, error)
	// FindByWorkflow cross-references an external workflow engine signal,
	// independent of the delivery path.
	FindByWorkflow(ctx context.Context, messageID, eventType string, status ProcessingStatus) (*PendingMessage, error)
	// ReclaimStale takes over a processing record older than the supplied
	// threshold, restamping ProcessingStartedAt for the new attempt.
	ReclaimStale(ctx context.Context, key MessageKey, olderThan time.Duration) (*PendingMessage, error)
	MarkProcessed(ctx context.Context, key MessageKey, status ProcessingStatus, errMsg string) error
	// PurgeExpired removes terminal records older than the retention window
	// and returns the number deleted.
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}
