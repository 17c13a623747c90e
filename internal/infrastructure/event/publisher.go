// Package event implements the sync event publisher on Redis Streams and
// the idempotent consumer guard backed by the durable pending-message ledger.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connect backoff bounds.
const (
	connectBackoffStep = 100 * time.Millisecond
	connectBackoffMax  = 3 * time.Second
)

// PublisherConfig holds configuration for the stream publisher.
type PublisherConfig struct {
	// Namespace prefixes every stream id.
	Namespace string
	// SourceApp identifies this service in the envelope.
	SourceApp string
	// Addr is the broker address (host:port).
	Addr string
	// Password for the broker, if any.
	Password string
	// DB is the Redis logical database.
	DB int
	// MaxConnectAttempts caps connection retries.
	MaxConnectAttempts int
	// MaxConnectRetryTime caps cumulative time spent retrying.
	MaxConnectRetryTime time.Duration
}

// PublisherStats is an immutable snapshot of publish counters.
type PublisherStats struct {
	TotalPublished int64            `json:"total_published"`
	ByEventType    map[string]int64 `json:"by_event_type"`
	Errors         int64            `json:"errors"`
	Connected      bool             `json:"connected"`
}

// publisherMetrics tracks publish statistics. Owned by the publisher
// instance; exposed only through the Stats snapshot.
type publisherMetrics struct {
	totalPublished atomic.Int64
	errors         atomic.Int64

	mu          sync.Mutex
	byEventType map[string]int64
}

func newPublisherMetrics() *publisherMetrics {
	return &publisherMetrics{byEventType: make(map[string]int64)}
}

func (m *publisherMetrics) recordPublish(eventType string) {
	m.totalPublished.Add(1)
	m.mu.Lock()
	m.byEventType[eventType]++
	m.mu.Unlock()
}

func (m *publisherMetrics) recordError() {
	m.errors.Add(1)
}

func (m *publisherMetrics) snapshot(connected bool) PublisherStats {
	m.mu.Lock()
	byType := make(map[string]int64, len(m.byEventType))
	for k, v := range m.byEventType {
		byType[k] = v
	}
	m.mu.Unlock()

	return PublisherStats{
		TotalPublished: m.totalPublished.Load(),
		ByEventType:    byType,
		Errors:         m.errors.Load(),
		Connected:      connected,
	}
}

// Publisher appends standardized sync events to per-topic Redis Streams.
// Publish calls may be issued concurrently; ordering is guaranteed only
// within a stream.
type Publisher struct {
	config    PublisherConfig
	client    *redis.Client
	logger    *zap.Logger
	connected atomic.Bool
	metrics   *publisherMetrics

	publishCounter *telemetry.Counter
	errorCounter   *telemetry.Counter
}

// PublisherOption is a functional option for Publisher.
type PublisherOption func(*Publisher)

// WithMeterProvider mirrors publish counters to OpenTelemetry.
func WithMeterProvider(mp *telemetry.MeterProvider) PublisherOption {
	return func(p *Publisher) {
		if mp == nil || !mp.IsEnabled() {
			return
		}
		meter := mp.Meter("sync.publisher")
		if c, err := telemetry.NewCounter(meter, "sync_events_published_total", "Total sync events published", "{event}"); err == nil {
			p.publishCounter = c
		}
		if c, err := telemetry.NewCounter(meter, "sync_publish_errors_total", "Total sync publish errors", "{error}"); err == nil {
			p.errorCounter = c
		}
	}
}

// NewPublisher creates a stream publisher. Connect must succeed before
// Publish may be called.
func NewPublisher(cfg PublisherConfig, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	if cfg.MaxConnectAttempts == 0 {
		cfg.MaxConnectAttempts = 50
	}
	if cfg.MaxConnectRetryTime == 0 {
		cfg.MaxConnectRetryTime = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		config: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger:  logger,
		metrics: newPublisherMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewPublisherWithClient creates a publisher with an existing Redis client.
// Useful for testing or when sharing a client across components.
func NewPublisherWithClient(cfg PublisherConfig, client *redis.Client, logger *zap.Logger, opts ...PublisherOption) *Publisher {
	p := NewPublisher(cfg, logger, opts...)
	p.client = client
	return p
}

// Connect establishes the broker connection, retrying with bounded backoff
// (min(attempt*100ms, 3s)) until the attempt ceiling or the cumulative
// retry-time ceiling is hit, at which point ErrConnectionExhausted is
// returned. This is the only place in the publisher that retries.
func (p *Publisher) Connect(ctx context.Context) error {
	start := time.Now()

	for attempt := 1; attempt <= p.config.MaxConnectAttempts; attempt++ {
		if err := p.client.Ping(ctx).Err(); err == nil {
			p.connected.Store(true)
			p.logger.Info("Connected to event broker",
				zap.String("addr", p.config.Addr),
				zap.Int("attempt", attempt),
			)
			return nil
		} else {
			p.logger.Warn("Event broker connection failed",
				zap.String("addr", p.config.Addr),
				zap.Int("attempt", attempt),
				zap.Error(fmt.Errorf("%w: %v", shared.ErrConnection, err)),
			)
		}

		if time.Since(start) >= p.config.MaxConnectRetryTime {
			break
		}

		backoff := time.Duration(attempt) * connectBackoffStep
		if backoff > connectBackoffMax {
			backoff = connectBackoffMax
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return shared.ErrConnectionExhausted
}

// IsConnected reports whether a Connect has succeeded.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Publish builds the envelope, derives the stream id and appends the event
// to its stream, returning the broker-assigned entry id. It never retries;
// a transport failure surfaces as ErrPublish and the caller owns retry
// policy.
func (p *Publisher) Publish(ctx context.Context, eventType, entityType, entityID, tenantID string, data syncdomain.Payload, opts syncdomain.PublishOptions) (string, error) {
	if !p.connected.Load() {
		return "", shared.ErrNotConnected
	}

	ev := syncdomain.NewEvent(p.config.Namespace, p.config.SourceApp, eventType, entityType, entityID, tenantID, data, opts)
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	values, err := flattenEnvelope(&ev)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ev.StreamID,
		ID:     "*",
		Values: values,
	}).Result()
	if err != nil {
		p.metrics.recordError()
		if p.errorCounter != nil {
			p.errorCounter.Inc(ctx, telemetry.AttrEventType.String(eventType))
		}
		p.logger.Error("Failed to publish sync event",
			zap.String("stream", ev.StreamID),
			zap.String("event_type", eventType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", shared.ErrPublish, err)
	}

	p.metrics.recordPublish(eventType)
	if p.publishCounter != nil {
		p.publishCounter.Inc(ctx,
			telemetry.AttrEventType.String(eventType),
			telemetry.AttrStream.String(ev.StreamID),
		)
	}
	p.logger.Debug("Published sync event",
		zap.String("stream", ev.StreamID),
		zap.String("message_id", ev.MessageID),
		zap.String("broker_id", id),
		zap.String("event_type", eventType),
	)
	return id, nil
}

// PublishUserCreated publishes a user_created event.
func (p *Publisher) PublishUserCreated(ctx context.Context, userID, tenantID string, data syncdomain.UserPayload) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	data.Type = syncdomain.EventTypeUserCreated
	return p.Publish(ctx, syncdomain.EventTypeUserCreated, syncdomain.EntityTypeUser, userID, tenantID, data, syncdomain.PublishOptions{})
}

// PublishUserUpdated publishes a user_updated event.
func (p *Publisher) PublishUserUpdated(ctx context.Context, userID, tenantID string, data syncdomain.UserPayload) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	data.Type = syncdomain.EventTypeUserUpdated
	return p.Publish(ctx, syncdomain.EventTypeUserUpdated, syncdomain.EntityTypeUser, userID, tenantID, data, syncdomain.PublishOptions{})
}

// PublishRoleAssigned publishes a role_assigned event.
func (p *Publisher) PublishRoleAssigned(ctx context.Context, tenantID string, data syncdomain.RolePayload) (string, error) {
	if data.RoleID == "" || data.UserID == "" {
		return "", fmt.Errorf("role id and user id are required")
	}
	data.Type = syncdomain.EventTypeRoleAssigned
	return p.Publish(ctx, syncdomain.EventTypeRoleAssigned, syncdomain.EntityTypeRole, data.RoleID, tenantID, data, syncdomain.PublishOptions{})
}

// PublishRoleRevoked publishes a role_revoked event.
func (p *Publisher) PublishRoleRevoked(ctx context.Context, tenantID string, data syncdomain.RolePayload) (string, error) {
	if data.RoleID == "" || data.UserID == "" {
		return "", fmt.Errorf("role id and user id are required")
	}
	data.Type = syncdomain.EventTypeRoleRevoked
	return p.Publish(ctx, syncdomain.EventTypeRoleRevoked, syncdomain.EntityTypeRole, data.RoleID, tenantID, data, syncdomain.PublishOptions{})
}

// PublishCreditsAllocated publishes a credits_allocated event.
func (p *Publisher) PublishCreditsAllocated(ctx context.Context, tenantID string, data syncdomain.CreditsAllocatedPayload) (string, error) {
	if data.OperationCode == "" {
		return "", fmt.Errorf("operation code is required")
	}
	return p.Publish(ctx, syncdomain.EventTypeCreditsAllocated, syncdomain.EntityTypeCredit, data.OperationCode, tenantID, data, syncdomain.PublishOptions{})
}

// Metrics returns a side-effect-free snapshot of publish counters.
func (p *Publisher) Metrics() PublisherStats {
	return p.metrics.snapshot(p.connected.Load())
}

// Ping checks the broker connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.connected.Store(false)
	return p.client.Close()
}

// flattenEnvelope converts the envelope into scalar stream entry values.
// Non-scalar fields (payload, metadata) travel as JSON strings.
func flattenEnvelope(ev *syncdomain.Event) (map[string]any, error) {
	var dataJSON []byte
	var err error
	if ev.Data != nil {
		dataJSON, err = json.Marshal(ev.Data.Fields())
	} else {
		dataJSON = []byte("{}")
	}
	if err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"message_id":  ev.MessageID,
		"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
		"source_app":  ev.SourceApp,
		"event_type":  ev.EventType,
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
		"tenant_id":   ev.TenantID,
		"action":      ev.Action,
		"data":        string(dataJSON),
		"metadata":    string(metaJSON),
	}, nil
}
