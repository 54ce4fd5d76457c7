package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const subscriptionColumns = `id, customer_id, plan_id, status, amount, currency, billing_interval, next_bill_at,
	retries, last_attempt_at, vault_token, card_bin, card_last4, card_brand, card_exp_month, card_exp_year,
	auto_card_updater_enabled, network_token_enabled, network_token, last_decline_code, last_decline_category,
	card_refreshed_at, paused_at, canceled_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.CustomerID,
		subscription.PlanID,
		subscription.Status,
		subscription.Amount,
		subscription.Currency,
		subscription.Interval,
		subscription.NextBillAt,
		subscription.Retries,
		subscription.LastAttemptAt,
		subscription.VaultToken,
		subscription.CardBIN,
		subscription.CardLast4,
		subscription.CardBrand,
		subscription.CardExpMonth,
		subscription.CardExpYear,
		subscription.AutoCardUpdaterEnabled,
		subscription.NetworkTokenEnabled,
		subscription.NetworkToken,
		subscription.LastDeclineCode,
		subscription.LastDeclineCategory,
		subscription.CardRefreshedAt,
		subscription.PausedAt,
		subscription.CanceledAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// FindByIDForUpdate row-locks the subscription for the rest of the transaction.
// Dialects without row locks (sqlite) drop the locking clause.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, retries = ?, next_bill_at = ?, last_attempt_at = ?, last_decline_code = ?,
		     last_decline_category = ?, paused_at = ?, canceled_at = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Status,
		subscription.Retries,
		subscription.NextBillAt,
		subscription.LastAttemptAt,
		subscription.LastDeclineCode,
		subscription.LastDeclineCategory,
		subscription.PausedAt,
		subscription.CanceledAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) UpdateCard(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET vault_token = ?, card_bin = ?, card_last4 = ?, card_brand = ?, card_exp_month = ?,
		     card_exp_year = ?, card_refreshed_at = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.VaultToken,
		subscription.CardBIN,
		subscription.CardLast4,
		subscription.CardBrand,
		subscription.CardExpMonth,
		subscription.CardExpYear,
		subscription.CardRefreshedAt,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) UpdateNetworkToken(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET network_token_enabled = ?, network_token = ?, updated_at = ? WHERE id = ?`,
		true,
		token,
		at,
		id,
	).Error
}

func (r *repo) MarkCardRefreshed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET card_refreshed_at = ?, updated_at = ? WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) ListRefreshCandidates(ctx context.Context, db *gorm.DB, expiryCutoff int, refreshedBefore time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE auto_card_updater_enabled = ?
		   AND status IN (?, ?)
		   AND vault_token <> ''
		   AND (card_exp_year * 12 + card_exp_month) <= ?
		   AND (card_refreshed_at IS NULL OR card_refreshed_at < ?)
		 ORDER BY card_exp_year ASC, card_exp_month ASC, id ASC
		 LIMIT ?`,
		true,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
		expiryCutoff,
		refreshedBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertRetry(ctx context.Context, db *gorm.DB, retry *subscriptiondomain.RetrySchedule) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO retry_schedules (id, subscription_id, attempt, scheduled_at, status, descriptor_suffix, decline_code, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		retry.ID,
		retry.SubscriptionID,
		retry.Attempt,
		retry.ScheduledAt,
		retry.Status,
		retry.DescriptorSuffix,
		retry.DeclineCode,
		retry.CreatedAt,
		retry.UpdatedAt,
	).Error
}

func (r *repo) FindPendingRetry(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.RetrySchedule, error) {
	var retry subscriptiondomain.RetrySchedule
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, attempt, scheduled_at, status, descriptor_suffix, decline_code, created_at, updated_at
		 FROM retry_schedules
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY scheduled_at DESC
		 LIMIT 1`,
		subscriptionID,
		subscriptiondomain.RetryStatusPending,
	).Scan(&retry).Error
	if err != nil {
		return nil, err
	}
	if retry.ID == 0 {
		return nil, nil
	}
	return &retry, nil
}

func (r *repo) ResolvePendingRetries(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status subscriptiondomain.RetryStatus, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE retry_schedules SET status = ?, updated_at = ? WHERE subscription_id = ? AND status = ?`,
		status,
		at,
		subscriptionID,
		subscriptiondomain.RetryStatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ReschedulePendingRetry(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, scheduledAt, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE retry_schedules SET scheduled_at = ?, updated_at = ? WHERE subscription_id = ? AND status = ?`,
		scheduledAt,
		at,
		subscriptionID,
		subscriptiondomain.RetryStatusPending,
	).Error
}

func (r *repo) ListRetries(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.RetrySchedule, error) {
	var retries []subscriptiondomain.RetrySchedule
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, attempt, scheduled_at, status, descriptor_suffix, decline_code, created_at, updated_at
		 FROM retry_schedules WHERE subscription_id = ? ORDER BY attempt ASC, created_at ASC`,
		subscriptionID,
	).Scan(&retries).Error
	if err != nil {
		return nil, err
	}
	return retries, nil
}
