// Package credit models the per-organization credit balance and the
// transient client-local records used for optimistic deduction.
package credit

import (
	"context"
	"time"
)

// BalanceStatus represents the lifecycle state of an organization balance.
type BalanceStatus string

const (
	BalanceStatusActive    BalanceStatus = "active"
	BalanceStatusSuspended BalanceStatus = "suspended"
	BalanceStatusClosed    BalanceStatus = "closed"
)

// Balance is the authoritative per-organization credit balance. The
// invariant available = allocated - used >= 0 is enforced only by the
// authority; local mirrors may lag behind between deduct and confirm.
type Balance struct {
	EntityID  string        `json:"entity_id"`
	Allocated int64         `json:"allocated"`
	Used      int64         `json:"used"`
	Available int64         `json:"available"`
	Status    BalanceStatus `json:"status"`
}

// PendingDeduction is a transient client-local record created at deduct
// time. It is removed on confirm, or used to restore the mirror on rollback.
type PendingDeduction struct {
	OperationCode string    `json:"operation_code"`
	Credits       int64     `json:"credits_deducted"`
	ResourceType  string    `json:"resource_type,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Result is the outcome of an optimistic deduction attempt.
type Result struct {
	Success bool  `json:"success"`
	Credits int64 `json:"credits"`
	Err     error `json:"-"`
}

// ConsumeDetails describe what a confirmed consumption paid for.
type ConsumeDetails struct {
	OperationCode string `json:"operation_code"`
	ResourceType  string `json:"resource_type,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
}

// Authority is the remote authoritative balance and cost-config service.
type Authority interface {
	// FetchBalance returns the authoritative balance for an organization.
	FetchBalance(ctx context.Context, orgID string) (*Balance, error)
	// OperationCost resolves the configured credit cost of an operation.
	OperationCost(ctx context.Context, orgID, operationCode string) (int64, error)
	// Consume reports a finalized consumption to the authority.
	Consume(ctx context.Context, orgID, principalID string, amount int64, details ConsumeDetails) error
}
