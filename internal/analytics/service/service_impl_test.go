package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  analyticsdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(
		&transactiondomain.Transaction{},
		&transactiondomain.Reconciliation{},
		&subscriptiondomain.Subscription{},
		&analyticsdomain.DeclineInsight{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	svc := New(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(day.Add(12 * time.Hour)),
		Dunning: config.NewStaticDunningConfigHolder(config.DefaultDunningConfig()),
	})
	return &fixture{db: conn, node: node, svc: svc}
}

type seed struct {
	status  transactiondomain.Status
	code    string
	text    string
	amount  int64
	attempt int
	bin     string
	at      time.Time
}

func (f *fixture) seed(t *testing.T, rows ...seed) {
	t.Helper()
	for _, r := range rows {
		id := f.node.Generate()
		txn := transactiondomain.Transaction{
			ID:           id,
			OrderRef:     "mit_" + id.String(),
			CustomerID:   1,
			PlanID:       2,
			Status:       r.status,
			ResponseCode: r.code,
			ResponseText: r.text,
			Amount:       r.amount,
			Currency:     "usd",
			Initiator:    "merchant",
			Recurring:    "subsequent",
			RetryAttempt: r.attempt,
			CardBIN:      r.bin,
			CreatedAt:    r.at,
		}
		require.NoError(t, f.db.Create(&txn).Error)
	}
}

// seedReconciled stores a charge whose reply was lost, plus the reconciliation
// that later resolved it.
func (f *fixture) seedReconciled(t *testing.T, r seed, recStatus transactiondomain.ReconciliationStatus, outcome, code, text string) {
	t.Helper()
	id := f.node.Generate()
	txn := transactiondomain.Transaction{
		ID:           id,
		OrderRef:     "mit_" + id.String(),
		CustomerID:   1,
		PlanID:       2,
		Status:       transactiondomain.StatusError,
		ResponseText: "outcome unknown",
		Amount:       r.amount,
		Currency:     "usd",
		Initiator:    "merchant",
		Recurring:    "subsequent",
		RetryAttempt: r.attempt,
		CardBIN:      r.bin,
		CreatedAt:    r.at,
	}
	require.NoError(t, f.db.Create(&txn).Error)

	rec := transactiondomain.Reconciliation{
		ID:            f.node.Generate(),
		TransactionID: id,
		OrderRef:      txn.OrderRef,
		Status:        recStatus,
		Outcome:       outcome,
		ResponseCode:  code,
		ResponseText:  text,
		CreatedAt:     r.at,
		UpdatedAt:     r.at,
	}
	require.NoError(t, f.db.Create(&rec).Error)
}

func (f *fixture) standardSeed(t *testing.T) {
	f.seed(t,
		seed{status: transactiondomain.StatusApproved, code: "100", amount: 2900, bin: "411111", at: day.Add(1 * time.Hour)},
		seed{status: transactiondomain.StatusApproved, code: "100", amount: 2900, attempt: 1, bin: "510510", at: day.Add(2 * time.Hour)},
		seed{status: transactiondomain.StatusApproved, code: "100", amount: 1000, bin: "411111", at: day.Add(26 * time.Hour)},
		seed{status: transactiondomain.StatusDeclined, code: "51", text: "Insufficient funds", amount: 2900, attempt: 1, bin: "411111", at: day.Add(3 * time.Hour)},
		seed{status: transactiondomain.StatusDeclined, code: "05", text: "Do not honor", amount: 2900, bin: "340000", at: day.Add(4 * time.Hour)},
		seed{status: transactiondomain.StatusError, code: "300", amount: 2900, bin: "601111", at: day.Add(5 * time.Hour)},
		seed{status: transactiondomain.StatusApproved, code: "100", amount: 9900, bin: "411111", at: day.AddDate(0, 0, -40)},
	)
}

func rangeFilter() analyticsdomain.Filter {
	return analyticsdomain.Filter{Start: day, End: day.AddDate(0, 0, 2)}
}

func TestRate(t *testing.T) {
	assert.True(t, Rate(0, 0).IsZero())
	assert.Equal(t, "66.67", Rate(2, 3).String())
	assert.Equal(t, "33.33", Rate(1, 3).String())
	assert.Equal(t, "100", Rate(4, 4).String())
}

func TestDeclineDistributionSortsByCount(t *testing.T) {
	got := DeclineDistribution([]Decline{
		{Code: "05", Text: "Do not honor"},
		{Code: "05", Text: "Do not honor"},
		{Code: "51", Text: "Insufficient funds"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "05", got[0].Code)
	assert.Equal(t, int64(2), got[0].Count)
	assert.Equal(t, "66.67", got[0].Pct.StringFixed(2))
	assert.Equal(t, "51", got[1].Code)
	assert.Equal(t, "33.33", got[1].Pct.StringFixed(2))

	assert.Empty(t, DeclineDistribution(nil))
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	out, err := f.svc.Overview(context.Background(), rangeFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(6), out.Total)
	assert.Equal(t, int64(3), out.Approved)
	assert.Equal(t, int64(2), out.Declined)
	assert.Equal(t, int64(1), out.Errored)
	assert.Equal(t, "50.00", out.ApprovalRate.StringFixed(2))
	require.Len(t, out.Revenue, 1)
	assert.Equal(t, "USD", out.Revenue[0].Currency)
	assert.Equal(t, int64(6800), out.Revenue[0].Amount)
	assert.Equal(t, "68.00", out.Revenue[0].Major.StringFixed(2))
}

func TestOverviewCountsReconciledOutcomes(t *testing.T) {
	f := newFixture(t)
	at := day.Add(6 * time.Hour)
	f.seedReconciled(t, seed{amount: 2900, bin: "411111", at: at},
		transactiondomain.ReconciliationStatusResolved, transactiondomain.OutcomeApproved, "100", "SUCCESS")
	f.seedReconciled(t, seed{amount: 1500, bin: "411111", at: at},
		transactiondomain.ReconciliationStatusResolved, transactiondomain.OutcomeApprovedUnlinked, "100", "SUCCESS")
	f.seedReconciled(t, seed{amount: 2900, attempt: 1, bin: "510510", at: at},
		transactiondomain.ReconciliationStatusResolved, transactiondomain.OutcomeDeclined, "51", "Insufficient funds")
	f.seedReconciled(t, seed{amount: 2900, bin: "601111", at: at},
		transactiondomain.ReconciliationStatusResolved, transactiondomain.OutcomeNotCharged, "", "")
	f.seedReconciled(t, seed{amount: 2900, bin: "601111", at: at},
		transactiondomain.ReconciliationStatusPending, "", "", "")

	out, err := f.svc.Overview(context.Background(), rangeFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Total)
	assert.Equal(t, int64(2), out.Approved)
	assert.Equal(t, int64(1), out.Declined)
	assert.Equal(t, int64(2), out.Errored)
	assert.Equal(t, "40.00", out.ApprovalRate.StringFixed(2))
	require.Len(t, out.Revenue, 1)
	assert.Equal(t, int64(4400), out.Revenue[0].Amount)

	declines, err := f.svc.DeclineDistribution(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, declines, 1)
	assert.Equal(t, "51", declines[0].Code)
	assert.Equal(t, "Insufficient funds", declines[0].Text)

	filter := rangeFilter()
	filter.Status = string(transactiondomain.StatusApproved)
	approved, err := f.svc.Overview(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), approved.Total)
}

func TestOverviewEmptyRangeHasZeroRate(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Overview(context.Background(), rangeFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Total)
	assert.True(t, out.ApprovalRate.IsZero())
	assert.Empty(t, out.Revenue)
}

func TestOverviewRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Overview(context.Background(), analyticsdomain.Filter{Start: day, End: day.Add(-time.Hour)})
	require.ErrorIs(t, err, analyticsdomain.ErrInvalidRange)
}

func TestDeclineDistributionWithFilters(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	all, err := f.svc.DeclineDistribution(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "50.00", all[0].Pct.StringFixed(2))

	filter := rangeFilter()
	filter.ResponseCode = "51"
	only, err := f.svc.DeclineDistribution(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "Insufficient funds", only[0].Text)
	assert.Equal(t, "100.00", only[0].Pct.StringFixed(2))
}

func TestRetrySuccessByAttempt(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	got, err := f.svc.RetrySuccessByAttempt(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, int64(2), got[0].Total)
	assert.Equal(t, int64(1), got[0].Approved)
	assert.Equal(t, "50.00", got[0].SuccessRate.StringFixed(2))
	assert.Equal(t, int64(0), got[1].Total)
	assert.True(t, got[1].SuccessRate.IsZero())
}

func TestCardBrandPerformance(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	got, err := f.svc.CardBrandPerformance(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "visa", got[0].Brand)
	assert.Equal(t, int64(3), got[0].Total)
	assert.Equal(t, "66.67", got[0].ApprovalRate.StringFixed(2))

	brands := map[string]int64{}
	for _, b := range got {
		brands[b.Brand] = b.Total
	}
	assert.Equal(t, map[string]int64{"visa": 3, "mastercard": 1, "amex": 1, "discover": 1}, brands)
}

func TestApprovalSeriesFillsEmptyBuckets(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	daily, err := f.svc.ApprovalSeries(context.Background(), analyticsdomain.Filter{Start: day, End: day.AddDate(0, 0, 3)}, analyticsdomain.BucketDay)
	require.NoError(t, err)
	require.Len(t, daily, 3)
	assert.Equal(t, "2026-03-10", daily[0].Period)
	assert.Equal(t, int64(5), daily[0].Total)
	assert.Equal(t, "40.00", daily[0].ApprovalRate.StringFixed(2))
	assert.Equal(t, int64(1), daily[1].Total)
	assert.Equal(t, int64(0), daily[2].Total)
	assert.True(t, daily[2].ApprovalRate.IsZero())

	hourly, err := f.svc.ApprovalSeries(context.Background(), analyticsdomain.Filter{Start: day, End: day.Add(6 * time.Hour)}, analyticsdomain.BucketHour)
	require.NoError(t, err)
	require.Len(t, hourly, 6)
	assert.Equal(t, "2026-03-10T01:00", hourly[1].Period)
	assert.Equal(t, int64(1), hourly[1].Approved)

	_, err = f.svc.ApprovalSeries(context.Background(), rangeFilter(), analyticsdomain.Bucket("week"))
	require.ErrorIs(t, err, analyticsdomain.ErrInvalidBucket)
}

func TestRevenueSeries(t *testing.T) {
	f := newFixture(t)
	f.standardSeed(t)

	got, err := f.svc.RevenueSeries(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-03-10", got[0].Period)
	assert.Equal(t, int64(5800), got[0].Amount)
	assert.Equal(t, "2026-03-11", got[1].Period)
	assert.Equal(t, "10.00", got[1].Major.StringFixed(2))
}

func TestDeclineInsightsReadsRollupTable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&[]analyticsdomain.DeclineInsight{
		{Day: "2026-03-10", ResponseCode: "51", CardBrand: "visa", RetryStage: 0, Count: 4, UpdatedAt: day},
		{Day: "2026-03-10", ResponseCode: "05", CardBrand: "visa", RetryStage: 1, Count: 7, UpdatedAt: day},
		{Day: "2026-03-11", ResponseCode: "51", CardBrand: "amex", RetryStage: 1, Count: 1, UpdatedAt: day},
		{Day: "2026-02-01", ResponseCode: "51", CardBrand: "visa", RetryStage: 0, Count: 9, UpdatedAt: day},
	}).Error)

	all, err := f.svc.DeclineInsights(context.Background(), rangeFilter())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "05", all[0].ResponseCode)
	assert.Equal(t, int64(7), all[0].Count)

	stage := 1
	filter := rangeFilter()
	filter.RetryStage = &stage
	filter.ResponseCode = "51"
	some, err := f.svc.DeclineInsights(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "amex", some[0].CardBrand)
}
