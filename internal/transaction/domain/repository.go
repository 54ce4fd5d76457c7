package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	AttachSubscription(ctx context.Context, db *gorm.DB, id, subscriptionID snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transaction, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]Transaction, error)

	InsertReconciliation(ctx context.Context, db *gorm.DB, rec *Reconciliation) error
	ListPendingReconciliations(ctx context.Context, db *gorm.DB, limit int) ([]Reconciliation, error)
	HasPendingReconciliation(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (bool, error)
	ResolveReconciliation(ctx context.Context, db *gorm.DB, rec *Reconciliation) error
	RecordReconciliationFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) error
}
