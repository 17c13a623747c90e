package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	appcredit "github.com/crm/backend/internal/application/credit"
	"github.com/crm/backend/internal/domain/credit"
	"github.com/crm/backend/internal/infrastructure/auth"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting CRM sync backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Metrics export
	meterProvider, err := telemetry.NewMeterProvider(rootCtx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.App.Name,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	// Database and the durable idempotency ledger
	db, err := persistence.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to migrate schema", zap.Error(err))
	}
	log.Info("Database connected")

	pendingLedger := persistence.NewPendingMessageRepository(db.DB)

	// Event publisher: the broker connection is the one shared long-lived
	// resource, established once with bounded backoff.
	publisher := event.NewPublisher(event.PublisherConfig{
		Namespace:           cfg.Event.Namespace,
		SourceApp:           cfg.Event.SourceApp,
		Addr:                cfg.Redis.Addr(),
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		MaxConnectAttempts:  cfg.Event.ConnectMaxAttempts,
		MaxConnectRetryTime: cfg.Event.ConnectMaxRetryTime,
	}, log, event.WithMeterProvider(meterProvider))
	if err := publisher.Connect(rootCtx); err != nil {
		log.Fatal("Failed to connect to event broker", zap.Error(err))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("Error closing publisher", zap.Error(err))
		}
	}()

	// Per-tenant credit ledgers over the billing authority
	authority := appcredit.NewHTTPAuthority(cfg.Credit.AuthorityURL, cfg.Credit.AuthorityTimeout)
	ledgers := newLedgerRegistry(authority, appcredit.LedgerConfig{
		CostCacheTTL: cfg.Credit.CostCacheTTL,
	}, log)

	jwtService := auth.NewJWTService(cfg.JWT)

	healthHandler := handler.NewHealthHandler(db, publisher)
	syncOps := handler.NewSyncOpsHandler(publisher, pendingLedger, cfg.Event.LedgerRetention, ledgers.Get, log)

	engine := router.Setup(router.Config{
		Logger:     log,
		JWTService: jwtService,
		Health:     healthHandler,
		SyncOps:    syncOps,
	})

	// Background retention purge
	if cfg.Event.PurgeEnabled {
		go runPurgeLoop(rootCtx, pendingLedger, cfg.Event, log)
	}

	// Periodic balance reconciliation: divergence across sessions is
	// resolved only by sync, so keep the mirrors fresh.
	go runBalanceSyncLoop(rootCtx, ledgers, cfg.Credit.SyncInterval, log)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}
	if err := meterProvider.Shutdown(ctx); err != nil {
		log.Error("Error shutting down metrics", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// ledgerRegistry hands out one credit ledger per tenant.
type ledgerRegistry struct {
	authority credit.Authority
	config    appcredit.LedgerConfig
	logger    *zap.Logger

	mu      sync.Mutex
	ledgers map[string]*appcredit.Ledger
}

func newLedgerRegistry(authority credit.Authority, cfg appcredit.LedgerConfig, logger *zap.Logger) *ledgerRegistry {
	return &ledgerRegistry{
		authority: authority,
		config:    cfg,
		logger:    logger,
		ledgers:   make(map[string]*appcredit.Ledger),
	}
}

// Get returns the tenant's ledger, creating it on first use.
func (r *ledgerRegistry) Get(tenantID string) *appcredit.Ledger {
	if tenantID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ledger, ok := r.ledgers[tenantID]; ok {
		return ledger
	}
	ledger := appcredit.NewLedger(r.authority, r.config, r.logger)
	ledger.SetOrganization(tenantID)
	r.ledgers[tenantID] = ledger
	return ledger
}

func (r *ledgerRegistry) each(fn func(tenantID string, ledger *appcredit.Ledger)) {
	r.mu.Lock()
	snapshot := make(map[string]*appcredit.Ledger, len(r.ledgers))
	for id, l := range r.ledgers {
		snapshot[id] = l
	}
	r.mu.Unlock()
	for id, l := range snapshot {
		fn(id, l)
	}
}

// runPurgeLoop deletes terminal ledger rows past the retention window.
func runPurgeLoop(ctx context.Context, ledger *persistence.PendingMessageRepository, cfg config.EventConfig, log *zap.Logger) {
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := ledger.PurgeExpired(ctx, cfg.LedgerRetention)
			if err != nil {
				log.Error("Ledger purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				log.Info("Purged expired ledger records",
					zap.Int64("purged", purged),
					zap.Duration("retention", cfg.LedgerRetention),
				)
			}
		}
	}
}

// runBalanceSyncLoop periodically overwrites every tenant mirror with the
// authoritative balance.
func runBalanceSyncLoop(ctx context.Context, ledgers *ledgerRegistry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledgers.each(func(tenantID string, ledger *appcredit.Ledger) {
				if err := ledger.SyncBalance(ctx); err != nil {
					log.Warn("Balance sync failed",
						zap.String("tenant_id", tenantID),
						zap.Error(err),
					)
				}
			})
		}
	}
}
