// Package sync defines the standardized domain event envelope delivered to
// the sync streams and the durable pending-message ledger consumed by
// stream consumer groups.
package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the standardized envelope appended to a sync stream. Once
// published, EventType and Action are part of the wire contract consumed
// by external identity, billing and workflow services and must stay stable.
type Event struct {
	StreamID   string    `json:"stream_id"`
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	SourceApp  string    `json:"source_app"`
	EventType  string    `json:"event_type"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	TenantID   string    `json:"tenant_id"`
	Action     string    `json:"action"`
	Data       Payload   `json:"data"`
	Metadata   Metadata  `json:"metadata"`
}

// Metadata carries delivery bookkeeping alongside the business payload.
type Metadata struct {
	CorrelationID   string    `json:"correlation_id"`
	Version         int       `json:"version"`
	RetryCount      int       `json:"retry_count"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// PublishOptions are optional envelope overrides supplied by the caller.
type PublishOptions struct {
	// CorrelationID links the event to the originating request. A new one
	// is generated when empty.
	CorrelationID string
	// Version of the payload schema. Defaults to 1.
	Version int
	// RetryCount is carried through on redelivery paths.
	RetryCount int
}

// StreamID derives the deterministic per-topic stream name.
func StreamID(namespace, entityType, eventType string) string {
	return fmt.Sprintf("%s:sync:%s:%s", namespace, entityType, eventType)
}

// actionBySuffix maps event type suffixes to the envelope action.
var actionBySuffix = []struct {
	suffix string
	action string
}{
	{"_created", "created"},
	{"_updated", "updated"},
	{"_deleted", "deleted"},
	{"_assigned", "assigned"},
	{"_revoked", "revoked"},
	{"_allocated", "allocated"},
}

// ActionForEventType derives the envelope action from the event type.
// Unknown event types default to "updated".
func ActionForEventType(eventType string) string {
	for _, m := range actionBySuffix {
		if strings.HasSuffix(eventType, m.suffix) {
			return m.action
		}
	}
	return "updated"
}

// NewEvent builds an envelope for the given identifiers and payload,
// deriving stream id and action. MessageID is unique within the stream.
func NewEvent(namespace, sourceApp, eventType, entityType, entityID, tenantID string, data Payload, opts PublishOptions) Event {
	now := time.Now().UTC()

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	version := opts.Version
	if version == 0 {
		version = 1
	}

	return Event{
		StreamID:   StreamID(namespace, entityType, eventType),
		MessageID:  uuid.New().String(),
		Timestamp:  now,
		SourceApp:  sourceApp,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		TenantID:   tenantID,
		Action:     ActionForEventType(eventType),
		Data:       data,
		Metadata: Metadata{
			CorrelationID:   correlationID,
			Version:         version,
			RetryCount:      opts.RetryCount,
			SourceTimestamp: now,
		},
	}
}

// Validate checks the identifying fields every consumer depends on.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	return nil
}
