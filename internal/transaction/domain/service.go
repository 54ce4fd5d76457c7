package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/rebill/internal/decline"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
)

// Outcome is the caller-facing result of a charge attempt.
type Outcome string

const (
	OutcomeKindApproved Outcome = "approved"
	OutcomeKindDeclined Outcome = "declined"
	OutcomeKindError    Outcome = "error"
	// OutcomeKindUnknown means the gateway did not answer; a reconciliation is pending.
	OutcomeKindUnknown Outcome = "unknown"
)

type ChargeInitialRequest struct {
	Email                  string                   `json:"email" validate:"required,email"`
	FirstName              string                   `json:"first_name" validate:"max=80"`
	LastName               string                   `json:"last_name" validate:"max=80"`
	Phone                  string                   `json:"phone" validate:"max=32"`
	PlanRef                string                   `json:"plan" validate:"required"`
	Card                   gatewaydomain.Credential `json:"card" validate:"required"`
	AutoCardUpdaterEnabled bool                     `json:"auto_card_updater_enabled"`
	Metadata               map[string]any           `json:"metadata"`
}

// DeclineDetail explains a decline without gateway-specific codes.
type DeclineDetail struct {
	Code           string           `json:"code"`
	Category       decline.Category `json:"category"`
	Severity       decline.Severity `json:"severity"`
	ActionRequired decline.Action   `json:"action_required"`
	Description    string           `json:"description"`
	WillRetry      bool             `json:"will_retry"`
	NextAttemptAt  *time.Time       `json:"next_attempt_at,omitempty"`
}

type ChargeInitialResult struct {
	Transaction  Transaction                      `json:"transaction"`
	Subscription *subscriptiondomain.Subscription `json:"subscription,omitempty"`
	Outcome      Outcome                          `json:"outcome"`
	Decline      *DeclineDetail                   `json:"decline,omitempty"`
}

type ChargeRecurringRequest struct {
	SubscriptionID string
	// OnlyIfDue skips the charge when next_bill_at is still in the future at lock time.
	OnlyIfDue bool
	// Trigger names the caller in logs: manual, billing_run or retry_run.
	Trigger string
}

type ChargeRecurringResult struct {
	Transaction  Transaction                     `json:"transaction"`
	Subscription subscriptiondomain.Subscription `json:"subscription"`
	Outcome      Outcome                         `json:"outcome"`
	Decline      *DeclineDetail                  `json:"decline,omitempty"`
}

type ReconcileSummary struct {
	Total      int `json:"total"`
	Approved   int `json:"approved"`
	Declined   int `json:"declined"`
	NotCharged int `json:"not_charged"`
	Unresolved int `json:"unresolved"`
}

// Processor executes single charge attempts and records them.
//
// ChargeInitial and ChargeRecurring return a populated result together with an error
// marked gateway_unavailable when the gateway outcome is unknown.
type Processor interface {
	ChargeInitial(ctx context.Context, req ChargeInitialRequest) (ChargeInitialResult, error)
	ChargeRecurring(ctx context.Context, req ChargeRecurringRequest) (ChargeRecurringResult, error)
	Reconcile(ctx context.Context, limit int) (ReconcileSummary, error)
	Get(ctx context.Context, id string) (Transaction, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]Transaction, error)
}

// ChargeGuard serializes charge attempts for one subscription across processes.
// Acquire fails with ratelimit.ErrLockHeld while another attempt holds the lock.
type ChargeGuard interface {
	Acquire(ctx context.Context, subscriptionID string) (release func(), err error)
}

var (
	ErrInvalidTransaction    = errors.New("invalid_transaction")
	ErrTransactionNotFound   = errors.New("transaction_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrMissingVaultToken     = errors.New("missing_vault_token")
	ErrReconciliationPending = errors.New("reconciliation_pending")
	ErrChargeInProgress      = errors.New("charge_in_progress")
	ErrNotDue                = errors.New("subscription_not_due")
	ErrPlanInactive          = errors.New("plan_inactive")
)
