package middleware

import (
	"context"
	"errors"
	"net/http"

	appcredit "github.com/crm/backend/internal/application/credit"
	"github.com/crm/backend/internal/domain/credit"
	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Credit gate context keys
const (
	CreditOperationKey   = "credit_operation"
	CreditCostKey        = "credit_cost"
	CreditSkipConsumeKey = "credit_skip_consume"
)

// CreditsEventPublisher is the narrow publisher surface the gate uses to
// announce a confirmed consumption. Satisfied by *event.Publisher.
type CreditsEventPublisher interface {
	PublishCreditsAllocated(ctx context.Context, tenantID string, data syncdomain.CreditsAllocatedPayload) (string, error)
}

// LedgerProvider resolves the credit ledger bound to a tenant.
type LedgerProvider func(tenantID string) *appcredit.Ledger

// CreditGateConfig holds configuration for the credit gate.
type CreditGateConfig struct {
	// Ledgers resolves the per-tenant ledger. Required.
	Ledgers LedgerProvider
	// OperationCode identifies the charged operation.
	OperationCode string
	// FixedCost overrides config-driven cost resolution when > 0.
	FixedCost int64
	// ResourceType annotates the consumption record.
	ResourceType string
	// Publisher, when set, emits a credits_allocated event after a
	// confirmed consumption. Call-site coupling, optional.
	Publisher CreditsEventPublisher
	// Logger for gate logging.
	Logger *zap.Logger
}

// SkipCreditConsumption marks the request so the gate rolls the deduction
// back instead of consuming, even on a success status. Handlers use it when
// the operation turned out to be free (cache hit, no-op update).
func SkipCreditConsumption(c *gin.Context) {
	c.Set(CreditSkipConsumeKey, true)
}

// CreditGate charges an operation around the downstream handler:
// optimistic deduct before, consumption (or rollback) after via an explicit
// post-handler hook. The gate never rewrites the response once the handler
// ran; a consumption failure after handler success is logged and swallowed,
// because billing correctness is subordinate to business correctness.
func CreditGate(cfg CreditGateConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := cfg.Logger
		if logger == nil {
			logger = zap.NewNop()
		}

		tenantID := GetJWTTenantID(c)
		principalID := GetJWTUserID(c)
		if tenantID == "" || principalID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Authentication required",
				},
			})
			return
		}

		ledger := cfg.Ledgers(tenantID)
		if ledger == nil {
			logger.Error("credit gate could not resolve ledger",
				zap.String("tenant_id", tenantID),
				zap.String("operation_code", cfg.OperationCode),
			)
			abortInternal(c)
			return
		}

		ctx := c.Request.Context()
		resourceID := c.Param("id")

		var result credit.Result
		if cfg.FixedCost > 0 {
			result = ledger.DeductFixed(ctx, cfg.OperationCode, cfg.FixedCost, cfg.ResourceType, resourceID)
		} else {
			result = ledger.Deduct(ctx, cfg.OperationCode, cfg.ResourceType, resourceID)
		}

		if !result.Success {
			if errors.Is(result.Err, shared.ErrInsufficientCredits) {
				available := int64(0)
				if snapshot := ledger.Snapshot(); snapshot != nil {
					available = snapshot.Available
				}
				logger.Warn("insufficient credits",
					zap.String("tenant_id", tenantID),
					zap.String("operation_code", cfg.OperationCode),
					zap.Int64("required", result.Credits),
					zap.Int64("available", available),
				)
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
					"success": false,
					"error": gin.H{
						"code":      "ERR_INSUFFICIENT_CREDITS",
						"message":   "Insufficient credits available",
						"required":  result.Credits,
						"available": available,
					},
				})
				return
			}

			logger.Error("credit check failed",
				zap.String("tenant_id", tenantID),
				zap.String("operation_code", cfg.OperationCode),
				zap.Error(result.Err),
			)
			abortInternal(c)
			return
		}

		// Stash resolved consumption parameters; consumption is deferred to
		// the explicit post-handler hook below.
		c.Set(CreditOperationKey, cfg.OperationCode)
		c.Set(CreditCostKey, result.Credits)

		c.Next()

		// Nothing was charged for a zero-cost operation.
		if result.Credits == 0 {
			return
		}

		if c.GetBool(CreditSkipConsumeKey) {
			ledger.Rollback(ctx, cfg.OperationCode)
			logger.Debug("credit consumption skipped by handler",
				zap.String("operation_code", cfg.OperationCode),
			)
			return
		}

		if c.Writer.Status() >= http.StatusBadRequest {
			ledger.Rollback(ctx, cfg.OperationCode)
			return
		}

		ledger.Confirm(ctx, cfg.OperationCode)
		details := credit.ConsumeDetails{
			OperationCode: cfg.OperationCode,
			ResourceType:  cfg.ResourceType,
			ResourceID:    resourceID,
		}
		if err := ledger.ReportConsumption(ctx, principalID, result.Credits, details); err != nil {
			// The business operation already succeeded; never fail the
			// response over billing bookkeeping.
			logger.Error("credit consumption failed after handler success",
				zap.String("tenant_id", tenantID),
				zap.String("operation_code", cfg.OperationCode),
				zap.Int64("credits", result.Credits),
				zap.Error(err),
			)
			return
		}

		if cfg.Publisher != nil {
			if _, err := cfg.Publisher.PublishCreditsAllocated(ctx, tenantID, syncdomain.CreditsAllocatedPayload{
				OperationCode: cfg.OperationCode,
				Credits:       result.Credits,
				ResourceType:  cfg.ResourceType,
				ResourceID:    resourceID,
			}); err != nil {
				logger.Warn("failed to publish credits_allocated event",
					zap.String("tenant_id", tenantID),
					zap.String("operation_code", cfg.OperationCode),
					zap.Error(err),
				)
			}
		}
	}
}

func abortInternal(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "ERR_INTERNAL",
			"message": "Credit check failed",
		},
	})
}
