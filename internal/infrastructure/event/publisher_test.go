package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPublisher(t *testing.T) (*Publisher, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := NewPublisherWithClient(PublisherConfig{
		Namespace: "crm",
		SourceApp: "crm-backend",
		Addr:      mr.Addr(),
	}, client, zap.NewNop())
	require.NoError(t, p.Connect(context.Background()))
	return p, mr
}

func TestPublish_StreamIDAndEnvelope(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	id, err := p.PublishUserCreated(ctx, "user-1", "tenant-1", syncdomain.UserPayload{
		Name:     "alice",
		Email:    "alice@example.com",
		IsActive: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := mr.Stream("crm:sync:user:user_created")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	fields := streamValues(t, entries[0].Values)
	assert.Equal(t, "user_created", fields["event_type"])
	assert.Equal(t, "user", fields["entity_type"])
	assert.Equal(t, "user-1", fields["entity_id"])
	assert.Equal(t, "tenant-1", fields["tenant_id"])
	assert.Equal(t, "created", fields["action"])
	assert.Equal(t, "crm-backend", fields["source_app"])
	assert.NotEmpty(t, fields["message_id"])

	_, err = time.Parse(time.RFC3339Nano, fields["timestamp"])
	assert.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields["data"]), &data))
	assert.Equal(t, "alice", data["name"])

	var meta syncdomain.Metadata
	require.NoError(t, json.Unmarshal([]byte(fields["metadata"]), &meta))
	assert.Equal(t, 1, meta.Version)
	assert.NotEmpty(t, meta.CorrelationID)
}

func TestPublish_ActionDerivation(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	tests := []struct {
		eventType string
		action    string
	}{
		{"user_created", "created"},
		{"user_updated", "updated"},
		{"user_deleted", "deleted"},
		{"role_assigned", "assigned"},
		{"role_revoked", "revoked"},
		{"credits_allocated", "allocated"},
		{"something_else", "updated"},
	}

	for _, tt := range tests {
		_, err := p.Publish(ctx, tt.eventType, "user", "e-1", "t-1",
			syncdomain.OpaquePayload{Type: tt.eventType, Raw: map[string]any{}}, syncdomain.PublishOptions{})
		require.NoError(t, err, tt.eventType)

		entries, err := mr.Stream("crm:sync:user:" + tt.eventType)
		require.NoError(t, err)
		require.NotEmpty(t, entries, tt.eventType)
		fields := streamValues(t, entries[len(entries)-1].Values)
		assert.Equal(t, tt.action, fields["action"], tt.eventType)
	}
}

func TestPublish_PerStreamOrdering(t *testing.T) {
	p, mr := newTestPublisher(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.PublishUserUpdated(ctx, "user-1", "t-1", syncdomain.UserPayload{Name: "alice"})
		require.NoError(t, err)
	}

	entries, err := mr.Stream("crm:sync:user:user_updated")
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestPublish_NotConnected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := NewPublisherWithClient(PublisherConfig{Namespace: "crm", SourceApp: "crm-backend"}, client, zap.NewNop())

	_, err := p.PublishUserCreated(context.Background(), "user-1", "t-1", syncdomain.UserPayload{})
	assert.ErrorIs(t, err, shared.ErrNotConnected)
}

func TestPublish_BrokerFailure(t *testing.T) {
	p, mr := newTestPublisher(t)
	mr.Close()

	_, err := p.PublishUserCreated(context.Background(), "user-1", "t-1", syncdomain.UserPayload{})
	assert.ErrorIs(t, err, shared.ErrPublish)

	stats := p.Metrics()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(0), stats.TotalPublished)
}

func TestConnect_Exhausted(t *testing.T) {
	// Point at a closed server so every attempt fails fast.
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	p := NewPublisher(PublisherConfig{
		Namespace:           "crm",
		SourceApp:           "crm-backend",
		Addr:                addr,
		MaxConnectAttempts:  2,
		MaxConnectRetryTime: time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { p.Close() })

	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, shared.ErrConnectionExhausted)
	assert.False(t, p.IsConnected())
}

func TestMetricsSnapshot(t *testing.T) {
	p, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.PublishUserCreated(ctx, "u-1", "t-1", syncdomain.UserPayload{})
	require.NoError(t, err)
	_, err = p.PublishUserCreated(ctx, "u-2", "t-1", syncdomain.UserPayload{})
	require.NoError(t, err)
	_, err = p.PublishRoleAssigned(ctx, "t-1", syncdomain.RolePayload{RoleID: "r-1", UserID: "u-1"})
	require.NoError(t, err)

	stats := p.Metrics()
	assert.Equal(t, int64(3), stats.TotalPublished)
	assert.Equal(t, int64(2), stats.ByEventType["user_created"])
	assert.Equal(t, int64(1), stats.ByEventType["role_assigned"])
	assert.Equal(t, int64(0), stats.Errors)
	assert.True(t, stats.Connected)

	// Snapshot must not alias internal state.
	stats.ByEventType["user_created"] = 99
	assert.Equal(t, int64(2), p.Metrics().ByEventType["user_created"])
}

func TestTypedWrappers_Validation(t *testing.T) {
	p, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.PublishUserCreated(ctx, "", "t-1", syncdomain.UserPayload{})
	assert.Error(t, err)

	_, err = p.PublishRoleAssigned(ctx, "t-1", syncdomain.RolePayload{UserID: "u-1"})
	assert.Error(t, err)

	_, err = p.PublishCreditsAllocated(ctx, "t-1", syncdomain.CreditsAllocatedPayload{Credits: 5})
	assert.Error(t, err)
}

func streamValues(t *testing.T, values []string) map[string]string {
	t.Helper()
	require.Zero(t, len(values)%2)
	out := make(map[string]string, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		out[values[i]] = values[i+1]
	}
	return out
}
