package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamID(t *testing.T) {
	assert.Equal(t, "crm:sync:user:user_created", StreamID("crm", EntityTypeUser, EventTypeUserCreated))
	assert.Equal(t, "acme:sync:role:role_assigned", StreamID("acme", EntityTypeRole, EventTypeRoleAssigned))
}

func TestActionForEventType(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{EventTypeUserCreated, "created"},
		{EventTypeUserUpdated, "updated"},
		{EventTypeUserDeleted, "deleted"},
		{EventTypeRoleAssigned, "assigned"},
		{EventTypeRoleRevoked, "revoked"},
		{EventTypeCreditsAllocated, "allocated"},
		{"subscription_renewed", "updated"},
		{"", "updated"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, ActionForEventType(tt.eventType))
		})
	}
}

func TestNewEvent(t *testing.T) {
	payload := UserPayload{Type: EventTypeUserCreated, Email: "alice@example.com", Name: "Alice"}

	t.Run("defaults", func(t *testing.T) {
		ev := NewEvent("crm", "crm-backend", EventTypeUserCreated, EntityTypeUser, "u-1", "t-1", payload, PublishOptions{})

		assert.Equal(t, "crm:sync:user:user_created", ev.StreamID)
		assert.Equal(t, "created", ev.Action)
		assert.Equal(t, "crm-backend", ev.SourceApp)
		assert.NotEmpty(t, ev.MessageID)
		assert.NotEmpty(t, ev.Metadata.CorrelationID)
		assert.Equal(t, 1, ev.Metadata.Version)
		assert.Equal(t, 0, ev.Metadata.RetryCount)
		assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Second)
		assert.Equal(t, ev.Timestamp, ev.Metadata.SourceTimestamp)
	})

	t.Run("options override", func(t *testing.T) {
		ev := NewEvent("crm", "crm-backend", EventTypeUserUpdated, EntityTypeUser, "u-1", "t-1", payload, PublishOptions{
			CorrelationID: "corr-7",
			Version:       2,
			RetryCount:    3,
		})

		assert.Equal(t, "corr-7", ev.Metadata.CorrelationID)
		assert.Equal(t, 2, ev.Metadata.Version)
		assert.Equal(t, 3, ev.Metadata.RetryCount)
	})

	t.Run("message ids are unique", func(t *testing.T) {
		a := NewEvent("crm", "crm-backend", EventTypeUserCreated, EntityTypeUser, "u-1", "t-1", payload, PublishOptions{})
		b := NewEvent("crm", "crm-backend", EventTypeUserCreated, EntityTypeUser, "u-1", "t-1", payload, PublishOptions{})
		assert.NotEqual(t, a.MessageID, b.MessageID)
	})
}

func TestEventValidate(t *testing.T) {
	valid := NewEvent("crm", "crm-backend", EventTypeUserCreated, EntityTypeUser, "u-1", "t-1", UserPayload{}, PublishOptions{})
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing event type", func(e *Event) { e.EventType = "" }},
		{"missing entity type", func(e *Event) { e.EntityType = "" }},
		{"missing entity id", func(e *Event) { e.EntityID = "" }},
		{"missing tenant id", func(e *Event) { e.TenantID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}

func TestPendingMessageLifecycle(t *testing.T) {
	now := time.Now().UTC()
	msg := &PendingMessage{
		MessageID:           "m-1",
		Stream:              "crm:sync:user:user_created",
		ConsumerGroup:       "workers",
		Status:              StatusProcessing,
		ProcessingStartedAt: now.Add(-10 * time.Minute),
	}

	assert.Equal(t, MessageKey{MessageID: "m-1", Stream: "crm:sync:user:user_created", ConsumerGroup: "workers"}, msg.Key())
	assert.False(t, msg.IsTerminal())
	assert.True(t, msg.StaleSince(5*time.Minute, now))
	assert.False(t, msg.StaleSince(time.Hour, now))
	assert.False(t, msg.PurgeEligible(DefaultRetention, now))

	msg.Status = StatusCompleted
	processed := now.Add(-31 * 24 * time.Hour)
	msg.ProcessedAt = &processed
	assert.True(t, msg.IsTerminal())
	assert.False(t, msg.StaleSince(5*time.Minute, now))
	assert.True(t, msg.PurgeEligible(DefaultRetention, now))
	assert.False(t, msg.PurgeEligible(60*24*time.Hour, now))
}
