package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// UpdateState writes the lifecycle columns: status, retries, schedule and decline bookkeeping.
	UpdateState(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// UpdateCard writes the vault reference and card display fields.
	UpdateCard(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateNetworkToken(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, at time.Time) error
	MarkCardRefreshed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// ListRefreshCandidates returns updater-enabled, not canceled subscriptions whose card
	// expires at or before expiryCutoff (year*12+month) and was not refreshed after refreshedBefore.
	ListRefreshCandidates(ctx context.Context, db *gorm.DB, expiryCutoff int, refreshedBefore time.Time, limit int) ([]Subscription, error)

	InsertRetry(ctx context.Context, db *gorm.DB, retry *RetrySchedule) error
	FindPendingRetry(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*RetrySchedule, error)
	ResolvePendingRetries(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status RetryStatus, at time.Time) (int64, error)
	ReschedulePendingRetry(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, scheduledAt, at time.Time) error
	ListRetries(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]RetrySchedule, error)
}
