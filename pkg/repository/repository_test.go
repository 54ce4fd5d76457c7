package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/smallbiznis/rebill/pkg/db/option"
	"gorm.io/gorm"
)

type ledgerRow struct {
	ID        int64 `gorm:"primaryKey"`
	Status    string
	Amount    int64
	CreatedAt time.Time
}

func setupStore(t *testing.T) Repository[ledgerRow] {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	if err := conn.AutoMigrate(&ledgerRow{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return ProvideStore[ledgerRow](conn)
}

func TestStoreFindWithOperators(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := []*ledgerRow{
		{ID: 1, Status: "approved", Amount: 1000, CreatedAt: base},
		{ID: 2, Status: "declined", Amount: 1000, CreatedAt: base.Add(time.Hour)},
		{ID: 3, Status: "approved", Amount: 2500, CreatedAt: base.Add(2 * time.Hour)},
	}
	if err := store.BatchCreate(ctx, rows); err != nil {
		t.Fatalf("batch create: %v", err)
	}

	found, err := store.Find(ctx, &ledgerRow{Status: "approved"},
		option.ApplyOperator(option.Condition{Field: "amount", Operator: option.GT, Value: 1000}),
	)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0].ID != 3 {
		t.Fatalf("expected row 3, got %+v", found)
	}

	count, err := store.Count(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: base.Add(time.Hour)}),
	)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	ignored, err := store.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "amount; DROP TABLE x", Operator: option.EQ, Value: 1}),
	)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ignored) != 3 {
		t.Fatalf("expected invalid condition to be ignored, got %d rows", len(ignored))
	}
}

func TestStoreUpdateAndFindOne(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	if err := store.Create(ctx, &ledgerRow{ID: 7, Status: "pending", Amount: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Update(ctx, int64(7), map[string]any{"status": "executed"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, err := store.FindOne(ctx, &ledgerRow{ID: 7})
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if row == nil || row.Status != "executed" {
		t.Fatalf("expected executed row, got %+v", row)
	}

	missing, err := store.FindOne(ctx, &ledgerRow{ID: 99})
	if err != nil || missing != nil {
		t.Fatalf("expected nil result for missing row, got %+v, %v", missing, err)
	}

	err = store.Update(ctx, int64(99), map[string]any{"status": "x"})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
