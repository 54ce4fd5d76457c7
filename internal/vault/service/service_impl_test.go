package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingevent"
	billingeventdomain "github.com/smallbiznis/rebill/internal/billingevent/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/decline"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/sandbox"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/rebill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/rebill/internal/subscription/service"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	clock     *clock.FakeClock
	gateway   *sandbox.Adapter
	lifecycle subscriptiondomain.Lifecycle
	svc       vaultdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.RetrySchedule{},
		&billingeventdomain.BillingEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	fc := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	dunning := config.NewStaticDunningConfigHolder(config.DefaultDunningConfig())
	repo := subscriptionrepository.Provide()
	lifecycle := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Repo:       repo,
		Outbox:     billingevent.NewOutbox(billingevent.OutboxParams{DB: conn, GenID: node, Clock: fc}),
		Dunning:    dunning,
		Classifier: decline.NewClassifier(),
	})
	gw := sandbox.New()

	svc := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Clock:     fc,
		Repo:      repo,
		Lifecycle: lifecycle,
		Gateway:   gw,
		Dunning:   dunning,
	})
	return &fixture{clock: fc, gateway: gw, lifecycle: lifecycle, svc: svc}
}

func (f *fixture) subscription(t *testing.T, brand string, expMonth, expYear int) subscriptiondomain.Subscription {
	t.Helper()
	cred := gatewaydomain.Credential{Number: "4111111111111111", ExpMonth: expMonth, ExpYear: expYear}
	resp, err := f.gateway.CreateVaultCustomer(context.Background(), gatewaydomain.BillingIdentity{Email: "jane@example.com"}, cred)
	require.NoError(t, err)

	sub, err := f.lifecycle.Create(context.Background(), nil, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: 11,
		PlanID:     22,
		Amount:     2900,
		Currency:   "usd",
		Interval:   plandomain.IntervalMonthly,
		Card: subscriptiondomain.CardDetails{
			VaultToken: resp.VaultToken,
			BIN:        "411111",
			Last4:      "1111",
			Brand:      brand,
			ExpMonth:   expMonth,
			ExpYear:    expYear,
		},
		AutoCardUpdaterEnabled: true,
		Source:                 "seed",
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) pastDue(t *testing.T, sub subscriptiondomain.Subscription) {
	t.Helper()
	out, err := f.lifecycle.ApplyDecline(context.Background(), nil, sub.ID, subscriptiondomain.DeclineInput{
		Classification: decline.NewClassifier().Classify("54", "Expired card"),
		Source:         "txn_decline",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, out.Subscription.Status)
}

func TestIsNearExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name        string
		month, year int
		want        bool
	}{
		{name: "next month", month: 4, year: 2026, want: true},
		{name: "edge of window", month: 5, year: 2026, want: true},
		{name: "outside window", month: 6, year: 2026, want: false},
		{name: "already expired", month: 1, year: 2026, want: true},
		{name: "across year", month: 1, year: 2027, want: false},
		{name: "invalid month", month: 13, year: 2026, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNearExpiry(tc.month, tc.year, now, 2))
		})
	}

	dec := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, IsNearExpiry(2, 2027, dec, 2))
}

func TestEligible(t *testing.T) {
	cfg := config.DefaultDunningConfig()

	assert.True(t, Eligible("visa", "411111", cfg))
	assert.True(t, Eligible("Mastercard", "510510", cfg))
	assert.False(t, Eligible("other", "300000", cfg))

	cfg.GatewayTestMode.Enabled = true
	assert.False(t, Eligible("visa", "411111", cfg))
	assert.True(t, Eligible("visa", "424242", cfg))
}

func TestEnableNetworkTokenization(t *testing.T) {
	f := newFixture(t)
	sub := f.subscription(t, "visa", 12, 2030)

	res, err := f.svc.EnableNetworkTokenization(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, res.Enabled)
	assert.NotEmpty(t, res.Cryptogram)

	current, err := f.lifecycle.Get(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, current.NetworkTokenEnabled)
	require.NotNil(t, current.NetworkToken)

	other := f.subscription(t, "other", 12, 2030)
	_, err = f.svc.EnableNetworkTokenization(context.Background(), other.ID.String())
	require.ErrorIs(t, err, vaultdomain.ErrIneligible)
	assert.True(t, ierr.IsStateConflict(err))
}

func TestRequestCredentialRefreshNoUpdateIsSuccess(t *testing.T) {
	f := newFixture(t)
	sub := f.subscription(t, "visa", 4, 2026)

	res, err := f.svc.RequestCredentialRefresh(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, 4, res.Card.ExpMonth)

	_, err = f.svc.RequestCredentialRefresh(context.Background(), sub.ID.String())
	require.ErrorIs(t, err, vaultdomain.ErrRefreshCooldown)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.RequestCredentialRefresh(context.Background(), sub.ID.String())
	require.NoError(t, err)
}

func TestRequestCredentialRefreshReactivatesPastDue(t *testing.T) {
	f := newFixture(t)
	sub := f.subscription(t, "visa", 2, 2026)
	f.pastDue(t, sub)

	f.gateway.QueueCardUpdate(sub.VaultToken, gatewaydomain.CardSummary{ExpMonth: 2, ExpYear: 2029})

	res, err := f.svc.RequestCredentialRefresh(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, 2029, res.Card.ExpYear)
	assert.Equal(t, "1111", res.Card.Last4)

	current, err := f.lifecycle.Get(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, current.Status)
	assert.Equal(t, 0, current.Retries)
	assert.Equal(t, 2029, current.CardExpYear)
	assert.Equal(t, "visa", current.CardBrand)
	require.NotNil(t, current.CardRefreshedAt)
}

func TestUpdateCredentialReactivatesPastDue(t *testing.T) {
	f := newFixture(t)
	sub := f.subscription(t, "visa", 2, 2026)
	f.pastDue(t, sub)

	updated, err := f.svc.UpdateCredential(context.Background(), vaultdomain.UpdateCredentialRequest{
		SubscriptionID: sub.ID.String(),
		Card:           gatewaydomain.Credential{Number: "5105105105105100", ExpMonth: 8, ExpYear: 2031},
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, "5100", updated.CardLast4)
	assert.Equal(t, "mastercard", updated.CardBrand)
	assert.Equal(t, sub.VaultToken, updated.VaultToken)

	_, err = f.svc.UpdateCredential(context.Background(), vaultdomain.UpdateCredentialRequest{
		SubscriptionID: sub.ID.String(),
		Card:           gatewaydomain.Credential{Number: "1234", ExpMonth: 8, ExpYear: 2031},
	})
	require.True(t, ierr.IsValidation(err))
}

func TestUpdateCredentialRejectsCanceled(t *testing.T) {
	f := newFixture(t)
	sub := f.subscription(t, "visa", 2, 2030)
	_, err := f.lifecycle.Cancel(context.Background(), sub.ID.String())
	require.NoError(t, err)

	_, err = f.svc.UpdateCredential(context.Background(), vaultdomain.UpdateCredentialRequest{
		SubscriptionID: sub.ID.String(),
		Card:           gatewaydomain.Credential{Number: "4111111111111111", ExpMonth: 8, ExpYear: 2031},
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotBillable)
}

func TestRefreshSweepSelectsNearExpiry(t *testing.T) {
	f := newFixture(t)
	near := f.subscription(t, "visa", 4, 2026)
	f.subscription(t, "visa", 12, 2030)
	f.gateway.QueueCardUpdate(near.VaultToken, gatewaydomain.CardSummary{ExpMonth: 4, ExpYear: 2030})

	summary, err := f.svc.RefreshSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Refreshed)
	assert.Equal(t, 1, summary.Updated)

	again, err := f.svc.RefreshSweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)
}
