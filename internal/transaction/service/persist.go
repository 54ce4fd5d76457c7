package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	"github.com/smallbiznis/rebill/internal/events"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const persistMaxRetries = 5

// permanentErrs are domain outcomes that a second transaction attempt cannot change.
var permanentErrs = []error{
	subscriptiondomain.ErrInvalidSubscription,
	subscriptiondomain.ErrInvalidCustomer,
	subscriptiondomain.ErrInvalidPlan,
	subscriptiondomain.ErrInvalidAmount,
	subscriptiondomain.ErrInvalidInterval,
	subscriptiondomain.ErrMissingVaultToken,
	subscriptiondomain.ErrSubscriptionNotFound,
	subscriptiondomain.ErrSubscriptionNotBillable,
	customerdomain.ErrNotFound,
	transactiondomain.ErrTransactionNotFound,
}

// persist commits the record of a gateway call. A real charge may already have
// happened, so transient store failures are retried and the caller's cancellation
// is ignored.
func (p *Processor) persist(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx = context.WithoutCancel(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		p.log.Warn("persist charge outcome failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, persistMaxRetries), ctx))
	if err == nil || isPermanent(err) {
		return err
	}
	return ierr.WithError(err).
		WithMessage("persist charge outcome").
		WithHint("The charge result could not be stored. It is logged for manual reconciliation.").
		Mark(ierr.ErrStore)
}

func isPermanent(err error) bool {
	if db.IsDuplicateKeyErr(err) {
		return true
	}
	for _, target := range permanentErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// recordUnknown stores an attempt whose gateway outcome was not observed and opens
// the reconciliation that blocks further charges for the subscription.
func (p *Processor) recordUnknown(ctx context.Context, txn *transactiondomain.Transaction, subscriptionID *snowflake.ID, cause error) error {
	txn.Status = transactiondomain.StatusError
	if txn.ResponseText == "" {
		txn.ResponseText = "outcome unknown"
	}
	now := p.clock.Now()
	rec := transactiondomain.Reconciliation{
		ID:             p.genID.Generate(),
		TransactionID:  txn.ID,
		OrderRef:       txn.OrderRef,
		SubscriptionID: subscriptionID,
		Status:         transactiondomain.ReconciliationStatusPending,
		LastError:      tracing.SafeError(cause).Error(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := p.persist(ctx, func(tx *gorm.DB) error {
		if err := p.repo.Insert(ctx, tx, txn); err != nil {
			return err
		}
		if err := p.repo.InsertReconciliation(ctx, tx, &rec); err != nil {
			return err
		}
		return p.publishTransaction(ctx, tx, *txn)
	})
	if err != nil {
		p.log.Error("persist unknown charge outcome failed",
			zap.String("order_ref", txn.OrderRef),
			zap.Error(err),
		)
		return err
	}
	p.metrics.RecordChargeAttempt(ctx, txn.Initiator, "unknown")
	return nil
}

func (p *Processor) publishTransaction(ctx context.Context, tx *gorm.DB, txn transactiondomain.Transaction) error {
	eventType := events.EventTransactionErrored
	switch txn.Status {
	case transactiondomain.StatusApproved:
		eventType = events.EventTransactionApproved
	case transactiondomain.StatusDeclined:
		eventType = events.EventTransactionDeclined
	}
	return p.outbox.Publish(ctx, tx, eventType, transactionPayload(txn), events.DedupeKey(eventType, txn.ID.String()))
}

func transactionPayload(txn transactiondomain.Transaction) map[string]any {
	payload := map[string]any{
		"transaction_id":   txn.ID.String(),
		"order_ref":        txn.OrderRef,
		"customer_id":      txn.CustomerID.String(),
		"plan_id":          txn.PlanID.String(),
		"status":           string(txn.Status),
		"response_code":    txn.ResponseCode,
		"response_text":    txn.ResponseText,
		"amount":           txn.Amount,
		"currency":         txn.Currency,
		"initiator":        txn.Initiator,
		"recurring":        txn.Recurring,
		"retry_attempt":    txn.RetryAttempt,
		"decline_category": txn.DeclineCategory,
		"card_bin":         txn.CardBIN,
		"card_brand":       txn.CardBrand,
		"occurred_at":      txn.CreatedAt.UTC().Format(time.RFC3339),
	}
	if txn.SubscriptionID != nil {
		payload["subscription_id"] = txn.SubscriptionID.String()
	}
	return payload
}
