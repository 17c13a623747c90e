package event

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"go.uber.org/zap"
)

// MessageHandler processes a delivered sync event.
type MessageHandler func(ctx context.Context, ev syncdomain.Event) error

// ConsumerMetrics tracks idempotency-related statistics.
type ConsumerMetrics struct {
	// Processed is the number of messages handled for the first time.
	Processed atomic.Int64
	// Duplicates is the number of redeliveries skipped via the ledger.
	Duplicates atomic.Int64
	// Reclaimed is the number of stale processing records taken over.
	Reclaimed atomic.Int64
	// Failed is the number of messages whose handler returned an error.
	Failed atomic.Int64
}

// ConsumerStats is a snapshot of consumer metrics.
type ConsumerStats struct {
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	Reclaimed  int64 `json:"reclaimed"`
	Failed     int64 `json:"failed"`
}

// Stats returns a snapshot of the current metrics.
func (m *ConsumerMetrics) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:  m.Processed.Load(),
		Duplicates: m.Duplicates.Load(),
		Reclaimed:  m.Reclaimed.Load(),
		Failed:     m.Failed.Load(),
	}
}

// ConsumerConfig holds configuration for the idempotent consumer.
type ConsumerConfig struct {
	// Group is the consumer group name recorded in the ledger.
	Group string
	// StaleThreshold is the age after which a processing record left by a
	// crashed consumer may be reclaimed.
	StaleThreshold time.Duration
}

// IdempotentConsumer wraps a message handler with the durable ledger so a
// message is processed at most once per consumer group within the
// retention window, surviving crashes and redeliveries.
type IdempotentConsumer struct {
	config  ConsumerConfig
	ledger  syncdomain.PendingLedger
	handler MessageHandler
	logger  *zap.Logger
	metrics *ConsumerMetrics
}

// NewIdempotentConsumer creates a consumer guard for the given group.
func NewIdempotentConsumer(cfg ConsumerConfig, ledger syncdomain.PendingLedger, handler MessageHandler, logger *zap.Logger) *IdempotentConsumer {
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotentConsumer{
		config:  cfg,
		ledger:  ledger,
		handler: handler,
		logger:  logger,
		metrics: &ConsumerMetrics{},
	}
}

// Process handles a delivered event exactly once per group. A duplicate
// delivery is skipped and reported as success; a stale processing record
// is reclaimed before handling. Handler errors are recorded as failed and
// returned; the consumer performs no retry of its own.
func (c *IdempotentConsumer) Process(ctx context.Context, ev syncdomain.Event, workflowID string) error {
	key := syncdomain.MessageKey{
		MessageID:     ev.MessageID,
		Stream:        ev.StreamID,
		ConsumerGroup: c.config.Group,
	}

	existing, err := c.ledger.RecordPending(ctx, key, ev.EventType, workflowID)
	if err != nil {
		if !errors.Is(err, shared.ErrDuplicateProcessing) {
			return err
		}

		if existing.IsTerminal() {
			c.metrics.Duplicates.Add(1)
			c.logger.Debug("duplicate message detected, skipping",
				zap.String("message_id", key.MessageID),
				zap.String("stream", key.Stream),
				zap.String("status", string(existing.Status)),
			)
			return nil
		}

		if !existing.StaleSince(c.config.StaleThreshold, time.Now()) {
			// Another consumer holds the record and is still within the
			// staleness window.
			c.metrics.Duplicates.Add(1)
			return nil
		}

		if _, err := c.ledger.ReclaimStale(ctx, key, c.config.StaleThreshold); err != nil {
			// A concurrent consumer reclaimed it first.
			c.metrics.Duplicates.Add(1)
			c.logger.Debug("stale record reclaimed by another consumer",
				zap.String("message_id", key.MessageID),
				zap.Error(err),
			)
			return nil
		}

		c.metrics.Reclaimed.Add(1)
		c.logger.Warn("reclaimed stale processing record",
			zap.String("message_id", key.MessageID),
			zap.String("stream", key.Stream),
			zap.Duration("stale_threshold", c.config.StaleThreshold),
		)
	}

	if err := c.handler(ctx, ev); err != nil {
		c.metrics.Failed.Add(1)
		if markErr := c.ledger.MarkProcessed(ctx, key, syncdomain.StatusFailed, err.Error()); markErr != nil {
			c.logger.Warn("failed to mark message as failed",
				zap.String("message_id", key.MessageID),
				zap.Error(markErr),
			)
		}
		return err
	}

	if err := c.ledger.MarkProcessed(ctx, key, syncdomain.StatusCompleted, ""); err != nil {
		c.logger.Warn("failed to mark message as completed",
			zap.String("message_id", key.MessageID),
			zap.Error(err),
		)
	}
	c.metrics.Processed.Add(1)
	return nil
}

// Metrics returns the metrics for this consumer.
func (c *IdempotentConsumer) Metrics() *ConsumerMetrics {
	return c.metrics
}
