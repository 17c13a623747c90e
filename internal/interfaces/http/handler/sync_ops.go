package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SyncOpsHandler exposes the operational surface of the sync core:
// publisher metrics, ledger record lookup, retention purge and credit
// balance inspection.
type SyncOpsHandler struct {
	publisher *event.Publisher
	ledger    syncdomain.PendingLedger
	retention time.Duration
	ledgers   middleware.LedgerProvider
	logger    *zap.Logger
}

// NewSyncOpsHandler creates the operational handler.
func NewSyncOpsHandler(publisher *event.Publisher, ledger syncdomain.PendingLedger, retention time.Duration, ledgers middleware.LedgerProvider, logger *zap.Logger) *SyncOpsHandler {
	if retention == 0 {
		retention = syncdomain.DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncOpsHandler{
		publisher: publisher,
		ledger:    ledger,
		retention: retention,
		ledgers:   ledgers,
		logger:    logger,
	}
}

// PublisherMetrics returns the publisher counter snapshot.
func (h *SyncOpsHandler) PublisherMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(h.publisher.Metrics()))
}

// PendingMessage looks up a ledger record by key. Stream and group come
// from query parameters since stream ids contain colons.
func (h *SyncOpsHandler) PendingMessage(c *gin.Context) {
	key := syncdomain.MessageKey{
		MessageID:     c.Param("messageId"),
		Stream:        c.Query("stream"),
		ConsumerGroup: c.Query("group"),
	}
	if key.MessageID == "" || key.Stream == "" || key.ConsumerGroup == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse("INVALID_INPUT", "messageId, stream and group are required"))
		return
	}

	record, err := h.ledger.Find(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse("NOT_FOUND", "No ledger record for that key"))
			return
		}
		h.logger.Error("pending message lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse("ERR_INTERNAL", "Lookup failed"))
		return
	}

	c.JSON(http.StatusOK, SuccessResponse(record))
}

// PurgeExpired runs the retention purge immediately and reports the count.
func (h *SyncOpsHandler) PurgeExpired(c *gin.Context) {
	purged, err := h.ledger.PurgeExpired(c.Request.Context(), h.retention)
	if err != nil {
		h.logger.Error("ledger purge failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse("ERR_INTERNAL", "Purge failed"))
		return
	}

	h.logger.Info("ledger purge completed",
		zap.Int64("purged", purged),
		zap.Duration("retention", h.retention),
	)
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"purged": purged}))
}

// Balance returns the tenant's local balance mirror, syncing from the
// authority first when the mirror is empty or ?refresh=true.
func (h *SyncOpsHandler) Balance(c *gin.Context) {
	tenantID := middleware.GetJWTTenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse("UNAUTHORIZED", "Authentication required"))
		return
	}

	ledger := h.ledgers(tenantID)
	if ledger == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse("ERR_INTERNAL", "No ledger for tenant"))
		return
	}

	if ledger.Snapshot() == nil || c.Query("refresh") == "true" {
		if err := ledger.SyncBalance(c.Request.Context()); err != nil {
			h.logger.Error("balance sync failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			c.JSON(http.StatusBadGateway, ErrorResponse("ERR_AUTHORITY_UNAVAILABLE", "Balance authority unreachable"))
			return
		}
	}

	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"balance": ledger.Snapshot(),
		"pending": ledger.PendingCount(),
	}))
}
