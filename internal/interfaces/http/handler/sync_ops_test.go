package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	appcredit "github.com/crm/backend/internal/application/credit"
	"github.com/crm/backend/internal/domain/credit"
	"github.com/crm/backend/internal/domain/shared"
	syncdomain "github.com/crm/backend/internal/domain/sync"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubLedger is a minimal PendingLedger for handler tests.
type stubLedger struct {
	record   *syncdomain.PendingMessage
	purged   int64
	purgeErr error
}

func (s *stubLedger) RecordPending(context.Context, syncdomain.MessageKey, string, string) (*syncdomain.PendingMessage, error) {
	return nil, nil
}

func (s *stubLedger) Find(_ context.Context, key syncdomain.MessageKey) (*syncdomain.PendingMessage, error) {
	if s.record != nil && s.record.MessageID == key.MessageID {
		return s.record, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubLedger) FindByWorkflow(context.Context, string, string, syncdomain.ProcessingStatus) (*syncdomain.PendingMessage, error) {
	return nil, shared.ErrNotFound
}

func (s *stubLedger) ReclaimStale(context.Context, syncdomain.MessageKey, time.Duration) (*syncdomain.PendingMessage, error) {
	return nil, shared.ErrStaleProcessing
}

func (s *stubLedger) MarkProcessed(context.Context, syncdomain.MessageKey, syncdomain.ProcessingStatus, string) error {
	return nil
}

func (s *stubLedger) PurgeExpired(context.Context, time.Duration) (int64, error) {
	return s.purged, s.purgeErr
}

type staticAuthority struct{ available int64 }

func (a staticAuthority) FetchBalance(context.Context, string) (*credit.Balance, error) {
	return &credit.Balance{EntityID: "t-1", Allocated: a.available, Available: a.available, Status: credit.BalanceStatusActive}, nil
}
func (a staticAuthority) OperationCost(context.Context, string, string) (int64, error) {
	return 0, nil
}
func (a staticAuthority) Consume(context.Context, string, string, int64, credit.ConsumeDetails) error {
	return nil
}

func newOpsFixture(t *testing.T, ledger syncdomain.PendingLedger) (*gin.Engine, *event.Publisher) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	publisher := event.NewPublisherWithClient(event.PublisherConfig{
		Namespace: "crm",
		SourceApp: "crm-backend",
	}, client, zap.NewNop())
	require.NoError(t, publisher.Connect(context.Background()))

	creditLedger := appcredit.NewLedger(staticAuthority{available: 42}, appcredit.LedgerConfig{}, zap.NewNop())
	creditLedger.SetOrganization("t-1")

	h := NewSyncOpsHandler(publisher, ledger, 0, func(string) *appcredit.Ledger { return creditLedger }, zap.NewNop())

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.JWTTenantIDKey, "t-1")
		c.Next()
	})
	router.GET("/ops/sync/metrics", h.PublisherMetrics)
	router.GET("/ops/sync/pending/:messageId", h.PendingMessage)
	router.POST("/ops/sync/purge", h.PurgeExpired)
	router.GET("/ops/credits/balance", h.Balance)
	return router, publisher
}

func TestSyncOps_PublisherMetrics(t *testing.T) {
	router, publisher := newOpsFixture(t, &stubLedger{})

	_, err := publisher.PublishUserCreated(context.Background(), "u-1", "t-1", syncdomain.UserPayload{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/sync/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_published":1`)
	assert.Contains(t, w.Body.String(), `"user_created":1`)
}

func TestSyncOps_PendingMessage(t *testing.T) {
	ledger := &stubLedger{record: &syncdomain.PendingMessage{
		MessageID:     "m-1",
		Stream:        "crm:sync:user:user_created",
		ConsumerGroup: "workers",
		Status:        syncdomain.StatusCompleted,
	}}
	router, _ := newOpsFixture(t, ledger)

	t.Run("missing params", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/sync/pending/m-1", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/ops/sync/pending/m-1?stream=crm:sync:user:user_created&group=workers", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"completed"`)
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/ops/sync/pending/missing?stream=s&group=g", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSyncOps_PurgeExpired(t *testing.T) {
	router, _ := newOpsFixture(t, &stubLedger{purged: 3})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ops/sync/purge", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"purged":3`)
}

func TestSyncOps_Balance(t *testing.T) {
	router, _ := newOpsFixture(t, &stubLedger{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/credits/balance", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":42`)
}
