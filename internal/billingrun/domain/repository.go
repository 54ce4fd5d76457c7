package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// ListDueSubscriptions returns active, vaulted subscriptions with next_bill_at at or
	// before now and no pending reconciliation, oldest due first.
	ListDueSubscriptions(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	// ListDueRetries returns subscriptions owning a pending retry scheduled at or before now.
	ListDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
}
