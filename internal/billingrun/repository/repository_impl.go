package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingrundomain.Repository {
	return &repo{}
}

func (r *repo) ListDueSubscriptions(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT s.id
		 FROM subscriptions s
		 WHERE s.status = ?
		   AND s.next_bill_at <= ?
		   AND s.vault_token <> ''
		   AND NOT EXISTS (
		     SELECT 1 FROM reconciliations r
		     WHERE r.subscription_id = s.id AND r.status = ?
		   )
		 ORDER BY s.next_bill_at ASC, s.id ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		transactiondomain.ReconciliationStatusPending,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT rs.subscription_id
		 FROM retry_schedules rs
		 JOIN subscriptions s ON s.id = rs.subscription_id
		 WHERE rs.status = ?
		   AND rs.scheduled_at <= ?
		   AND s.status = ?
		   AND s.vault_token <> ''
		   AND NOT EXISTS (
		     SELECT 1 FROM reconciliations r
		     WHERE r.subscription_id = s.id AND r.status = ?
		   )
		 GROUP BY rs.subscription_id
		 ORDER BY MIN(rs.scheduled_at) ASC, rs.subscription_id ASC
		 LIMIT ?`,
		subscriptiondomain.RetryStatusPending,
		now,
		subscriptiondomain.SubscriptionStatusActive,
		transactiondomain.ReconciliationStatusPending,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
