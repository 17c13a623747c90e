// Package credit implements the session-scoped optimistic credit ledger
// and the HTTP client for the authoritative balance service.
package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/credit"
	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// ErrNoOrganization is returned when a ledger operation runs before an
// organization has been bound to the ledger.
var ErrNoOrganization = fmt.Errorf("no organization bound to credit ledger")

// ErrDeductInProgress rejects a concurrent duplicate deduction for the
// same operation code before it has been confirmed or rolled back.
var ErrDeductInProgress = fmt.Errorf("deduction already in progress for operation")

// RollbackListener is notified after a rollback restores the mirror.
type RollbackListener func(operationCode string, credits int64)

type costEntry struct {
	cost      int64
	expiresAt time.Time
}

// LedgerConfig holds tunables for the ledger.
type LedgerConfig struct {
	// CostCacheTTL is the lifetime of cached operation costs.
	CostCacheTTL time.Duration
}

// Ledger keeps an optimistic local mirror of one organization's balance.
// Deduct decrements the mirror before the operation runs; Confirm finalizes
// it and Rollback restores it. The authority remains the source of truth;
// SyncBalance overwrites the mirror unconditionally.
//
// A failed operation never leaves a partial mutation behind: the mirror,
// the pending set and the in-progress set change together under one lock.
type Ledger struct {
	authority credit.Authority
	logger    *zap.Logger
	config    LedgerConfig

	mu         sync.Mutex
	orgID      string
	balance    *credit.Balance
	pending    map[string]credit.PendingDeduction
	inProgress map[string]struct{}
	listeners  []RollbackListener

	costMu sync.Mutex
	costs  map[string]costEntry
}

// NewLedger creates a ledger backed by the given authority.
func NewLedger(authority credit.Authority, cfg LedgerConfig, logger *zap.Logger) *Ledger {
	if cfg.CostCacheTTL == 0 {
		cfg.CostCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		authority:  authority,
		logger:     logger,
		config:     cfg,
		pending:    make(map[string]credit.PendingDeduction),
		inProgress: make(map[string]struct{}),
		costs:      make(map[string]costEntry),
	}
}

// SetOrganization binds the ledger to an organization. Switching
// organizations discards the previous mirror and any pending deductions.
func (l *Ledger) SetOrganization(orgID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orgID == orgID {
		return
	}
	if len(l.pending) > 0 {
		l.logger.Warn("discarding pending deductions on organization switch",
			zap.String("previous_org", l.orgID),
			zap.Int("pending", len(l.pending)),
		)
	}
	l.orgID = orgID
	l.balance = nil
	l.pending = make(map[string]credit.PendingDeduction)
	l.inProgress = make(map[string]struct{})
}

// Organization returns the bound organization id, empty if unbound.
func (l *Ledger) Organization() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orgID
}

// OnRollback registers a listener invoked after each rollback.
func (l *Ledger) OnRollback(fn RollbackListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Cost resolves the configured credit cost of an operation through a TTL
// cache. When the authority cannot be reached the ledger fails open: cost
// resolves to zero and the operation proceeds uncharged, with a warning.
func (l *Ledger) Cost(ctx context.Context, operationCode string) int64 {
	l.mu.Lock()
	orgID := l.orgID
	l.mu.Unlock()
	if orgID == "" {
		l.logger.Warn("cost lookup without bound organization", zap.String("operation_code", operationCode))
		return 0
	}

	key := orgID + "|" + operationCode

	l.costMu.Lock()
	if entry, ok := l.costs[key]; ok && time.Now().Before(entry.expiresAt) {
		l.costMu.Unlock()
		return entry.cost
	}
	l.costMu.Unlock()

	cost, err := l.authority.OperationCost(ctx, orgID, operationCode)
	if err != nil {
		l.logger.Warn("credit cost resolution failed, defaulting to zero",
			zap.String("operation_code", operationCode),
			zap.String("org_id", orgID),
			zap.Error(fmt.Errorf("%w: %v", shared.ErrCreditConfigUnavailable, err)),
		)
		return 0
	}

	l.costMu.Lock()
	l.costs[key] = costEntry{cost: cost, expiresAt: time.Now().Add(l.config.CostCacheTTL)}
	l.costMu.Unlock()
	return cost
}

// Deduct optimistically charges the mirror for an operation at its
// configured cost. A zero-cost operation succeeds without touching any
// state. Insufficient balance or a concurrent duplicate for the same code
// fails with no mutation.
func (l *Ledger) Deduct(ctx context.Context, operationCode, resourceType, resourceID string) credit.Result {
	l.mu.Lock()
	bound := l.orgID != ""
	l.mu.Unlock()
	if !bound {
		return credit.Result{Success: false, Err: ErrNoOrganization}
	}
	return l.deduct(ctx, operationCode, l.Cost(ctx, operationCode), resourceType, resourceID)
}

// DeductFixed charges a caller-supplied fixed cost, bypassing config-driven
// resolution.
func (l *Ledger) DeductFixed(ctx context.Context, operationCode string, cost int64, resourceType, resourceID string) credit.Result {
	return l.deduct(ctx, operationCode, cost, resourceType, resourceID)
}

func (l *Ledger) deduct(ctx context.Context, operationCode string, cost int64, resourceType, resourceID string) credit.Result {
	if cost == 0 {
		return credit.Result{Success: true, Credits: 0}
	}

	l.mu.Lock()
	if l.orgID == "" {
		l.mu.Unlock()
		return credit.Result{Success: false, Err: ErrNoOrganization}
	}
	if _, busy := l.inProgress[operationCode]; busy {
		l.mu.Unlock()
		return credit.Result{Success: false, Err: ErrDeductInProgress}
	}
	l.inProgress[operationCode] = struct{}{}
	needFetch := l.balance == nil
	orgID := l.orgID
	l.mu.Unlock()

	if needFetch {
		balance, err := l.authority.FetchBalance(ctx, orgID)
		if err != nil {
			l.clearInProgress(operationCode)
			return credit.Result{Success: false, Err: fmt.Errorf("failed to fetch balance: %w", err)}
		}
		l.mu.Lock()
		if l.balance == nil && l.orgID == orgID {
			l.balance = balance
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orgID != orgID || l.balance == nil {
		delete(l.inProgress, operationCode)
		return credit.Result{Success: false, Err: ErrNoOrganization}
	}
	if l.balance.Available < cost {
		delete(l.inProgress, operationCode)
		return credit.Result{
			Success: false,
			Credits: cost,
			Err:     shared.ErrInsufficientCredits,
		}
	}

	l.balance.Available -= cost
	l.balance.Used += cost
	l.pending[operationCode] = credit.PendingDeduction{
		OperationCode: operationCode,
		Credits:       cost,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Timestamp:     time.Now(),
	}
	return credit.Result{Success: true, Credits: cost}
}

// Confirm finalizes a prior deduction, dropping the pending record. A
// confirm with no matching deduction is logged and ignored.
func (l *Ledger) Confirm(ctx context.Context, operationCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[operationCode]; !ok {
		l.logger.Warn("confirm without matching deduction",
			zap.String("operation_code", operationCode),
		)
		return
	}
	delete(l.pending, operationCode)
	delete(l.inProgress, operationCode)
}

// Rollback restores the mirror by the recorded amount and notifies the
// rollback listeners. A rollback with no matching deduction is logged and
// ignored.
func (l *Ledger) Rollback(ctx context.Context, operationCode string) {
	l.mu.Lock()
	record, ok := l.pending[operationCode]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("rollback without matching deduction",
			zap.String("operation_code", operationCode),
		)
		return
	}
	if l.balance != nil {
		l.balance.Available += record.Credits
		l.balance.Used -= record.Credits
	}
	delete(l.pending, operationCode)
	delete(l.inProgress, operationCode)
	listeners := make([]RollbackListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(operationCode, record.Credits)
	}
}

// ReportConsumption forwards a finalized consumption to the authority.
func (l *Ledger) ReportConsumption(ctx context.Context, principalID string, amount int64, details credit.ConsumeDetails) error {
	l.mu.Lock()
	orgID := l.orgID
	l.mu.Unlock()
	if orgID == "" {
		return ErrNoOrganization
	}
	return l.authority.Consume(ctx, orgID, principalID, amount, details)
}

// SyncBalance overwrites the mirror with the authoritative balance. The
// authority always wins, even over optimistic local state.
func (l *Ledger) SyncBalance(ctx context.Context) error {
	l.mu.Lock()
	orgID := l.orgID
	l.mu.Unlock()
	if orgID == "" {
		return ErrNoOrganization
	}

	balance, err := l.authority.FetchBalance(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to sync balance: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orgID != orgID {
		return nil
	}
	l.balance = balance
	return nil
}

// Snapshot returns a copy of the current mirror, nil when no balance has
// been fetched yet.
func (l *Ledger) Snapshot() *credit.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance == nil {
		return nil
	}
	cp := *l.balance
	return &cp
}

// PendingCount reports the number of unconfirmed deductions.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Ledger) clearInProgress(operationCode string) {
	l.mu.Lock()
	delete(l.inProgress, operationCode)
	l.mu.Unlock()
}
