package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/decline"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/retry"
	"gorm.io/gorm"
)

// CardDetails is the vault reference plus the display-only card summary.
type CardDetails struct {
	VaultToken string
	BIN        string
	Last4      string
	Brand      string
	ExpMonth   int
	ExpYear    int
}

type CreateSubscriptionRequest struct {
	CustomerID             snowflake.ID
	PlanID                 snowflake.ID
	Amount                 int64
	Currency               string
	Interval               plandomain.Interval
	Card                   CardDetails
	AutoCardUpdaterEnabled bool
	Metadata               map[string]any
	// Source is the approving transaction id.
	Source string
}

// ApprovalInput, DeclineInput and ErrorInput carry the id of the transaction that
// produced the outcome. It keys the emitted outbox events.
type ApprovalInput struct {
	Source string
}

type DeclineInput struct {
	Classification decline.Classification
	Source         string
}

type ErrorInput struct {
	Source string
}

type DeclineOutcome struct {
	Subscription Subscription
	Decision     retry.Decision
	Retry        *RetrySchedule
}

type CredentialUpdate struct {
	Card CardDetails
	// Refreshed marks an update that came from the automatic card updater.
	Refreshed bool
	Source    string
}

type TransitionReason string

const (
	TransitionReasonOperator TransitionReason = "operator"
	TransitionReasonCharge   TransitionReason = "charge"
	TransitionReasonCard     TransitionReason = "credential_update"
)

// Lifecycle is the only writer of subscription status, retries and next_bill_at.
// Methods that take a tx join the caller's database transaction; a nil tx opens one.
type Lifecycle interface {
	Get(ctx context.Context, id string) (Subscription, error)
	ListRetries(ctx context.Context, id string) ([]RetrySchedule, error)

	Create(ctx context.Context, tx *gorm.DB, req CreateSubscriptionRequest) (Subscription, error)
	ApplyApproval(ctx context.Context, tx *gorm.DB, id snowflake.ID, in ApprovalInput) (Subscription, error)
	ApplyDecline(ctx context.Context, tx *gorm.DB, id snowflake.ID, in DeclineInput) (DeclineOutcome, error)
	ApplyError(ctx context.Context, tx *gorm.DB, id snowflake.ID, in ErrorInput) (Subscription, error)
	ApplyCredentialUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID, in CredentialUpdate) (Subscription, error)

	Pause(ctx context.Context, id string) (Subscription, error)
	Resume(ctx context.Context, id string) (Subscription, error)
	Cancel(ctx context.Context, id string) (Subscription, error)
}

var (
	ErrInvalidSubscription     = errors.New("invalid_subscription")
	ErrInvalidCustomer         = errors.New("invalid_customer")
	ErrInvalidPlan             = errors.New("invalid_plan")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidInterval         = errors.New("invalid_interval")
	ErrMissingVaultToken       = errors.New("missing_vault_token")
	ErrInvalidTargetStatus     = errors.New("invalid_target_status")
	ErrInvalidTransition       = errors.New("invalid_transition")
	ErrSubscriptionNotFound    = errors.New("subscription_not_found")
	ErrSubscriptionNotBillable = errors.New("subscription_not_billable")
)
