package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBPinger adapts a ping without context (database/sql style).
type DBPinger interface {
	Ping() error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db     DBPinger
	broker Pinger
}

// NewHealthHandler creates a health handler over the hard dependencies.
func NewHealthHandler(db DBPinger, broker Pinger) *HealthHandler {
	return &HealthHandler{db: db, broker: broker}
}

// Live reports process liveness. It never checks dependencies; a live but
// degraded process should be restarted by readiness, not liveness.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}))
}

// Ready reports whether the service can take traffic: database and broker
// must both answer.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if h.broker != nil {
		if err := h.broker.Ping(ctx); err != nil {
			checks["broker"] = err.Error()
			healthy = false
		} else {
			checks["broker"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success": healthy,
		"data":    gin.H{"checks": checks},
	})
}
