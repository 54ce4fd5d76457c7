package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"gorm.io/gorm"
)

const transactionColumns = `id, order_ref, gateway_txn_id, subscription_id, customer_id, plan_id, status,
	response_code, response_text, auth_code, amount, currency, initiator, recurring, descriptor,
	retry_attempt, decline_category, card_bin, card_brand, gateway_raw, created_at`

const reconciliationColumns = `id, transaction_id, order_ref, subscription_id, status, outcome, gateway_txn_id,
	response_code, response_text, attempts, last_error, resolved_at, created_at, updated_at`

type repo struct{}

func Provide() transactiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *transactiondomain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OrderRef,
		txn.GatewayTxnID,
		txn.SubscriptionID,
		txn.CustomerID,
		txn.PlanID,
		txn.Status,
		txn.ResponseCode,
		txn.ResponseText,
		txn.AuthCode,
		txn.Amount,
		txn.Currency,
		txn.Initiator,
		txn.Recurring,
		txn.Descriptor,
		txn.RetryAttempt,
		txn.DeclineCategory,
		txn.CardBIN,
		txn.CardBrand,
		txn.GatewayRaw,
		txn.CreatedAt,
	).Error
}

// AttachSubscription links a first-charge transaction to the subscription it created.
// Rows that already carry a subscription are left alone.
func (r *repo) AttachSubscription(ctx context.Context, db *gorm.DB, id, subscriptionID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions SET subscription_id = ? WHERE id = ? AND subscription_id IS NULL`,
		subscriptionID,
		id,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*transactiondomain.Transaction, error) {
	var txn transactiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`,
		id,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]transactiondomain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []transactiondomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) InsertReconciliation(ctx context.Context, db *gorm.DB, rec *transactiondomain.Reconciliation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reconciliations (`+reconciliationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.TransactionID,
		rec.OrderRef,
		rec.SubscriptionID,
		rec.Status,
		rec.Outcome,
		rec.GatewayTxnID,
		rec.ResponseCode,
		rec.ResponseText,
		rec.Attempts,
		rec.LastError,
		rec.ResolvedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Error
}

func (r *repo) ListPendingReconciliations(ctx context.Context, db *gorm.DB, limit int) ([]transactiondomain.Reconciliation, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []transactiondomain.Reconciliation
	err := db.WithContext(ctx).Raw(
		`SELECT `+reconciliationColumns+` FROM reconciliations
		 WHERE status = ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		transactiondomain.ReconciliationStatusPending,
		limit,
	).Scan(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *repo) HasPendingReconciliation(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM reconciliations WHERE subscription_id = ? AND status = ?`,
		subscriptionID,
		transactiondomain.ReconciliationStatusPending,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ResolveReconciliation(ctx context.Context, db *gorm.DB, rec *transactiondomain.Reconciliation) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliations
		 SET status = ?, outcome = ?, gateway_txn_id = ?, response_code = ?, response_text = ?, attempts = attempts + 1,
		     resolved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		transactiondomain.ReconciliationStatusResolved,
		rec.Outcome,
		rec.GatewayTxnID,
		rec.ResponseCode,
		rec.ResponseText,
		rec.ResolvedAt,
		rec.UpdatedAt,
		rec.ID,
		transactiondomain.ReconciliationStatusPending,
	).Error
}

func (r *repo) RecordReconciliationFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliations SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		reason,
		at,
		id,
	).Error
}
