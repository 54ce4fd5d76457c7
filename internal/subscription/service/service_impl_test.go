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
	"github.com/smallbiznis/rebill/internal/events"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/subscription/repository"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   *Service
	repo  subscriptiondomain.Repository
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
	repo := repository.Provide()
	svc := NewService(ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Repo:       repo,
		Outbox:     billingevent.NewOutbox(billingevent.OutboxParams{DB: conn, GenID: node, Clock: fc}),
		Dunning:    config.NewStaticDunningConfigHolder(config.DefaultDunningConfig()),
		Classifier: decline.NewClassifier(),
	}).(*Service)

	return &fixture{db: conn, clock: fc, svc: svc, repo: repo}
}

func (f *fixture) create(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Create(context.Background(), nil, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: 11,
		PlanID:     22,
		Amount:     2999,
		Currency:   "usd",
		Interval:   plandomain.IntervalMonthly,
		Card: subscriptiondomain.CardDetails{
			VaultToken: "vault_1",
			BIN:        "411111",
			Last4:      "1111",
			Brand:      "visa",
			ExpMonth:   12,
			ExpYear:    2030,
		},
		Source: "txn_initial",
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) setRetries(t *testing.T, id snowflake.ID, retries int) {
	t.Helper()
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET retries = ? WHERE id = ?`, retries, id).Error)
}

func (f *fixture) pendingRetries(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&subscriptiondomain.RetrySchedule{}).
		Where("subscription_id = ? AND status = ?", id, subscriptiondomain.RetryStatusPending).
		Count(&count).Error)
	return count
}

func (f *fixture) eventCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&billingeventdomain.BillingEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)

	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.Retries)
	assert.Equal(t, "USD", sub.Currency)
	assert.True(t, sub.NextBillAt.Equal(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1), f.eventCount(t, events.EventSubscriptionStatusChanged))

	_, err := f.svc.Create(context.Background(), nil, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: 1, PlanID: 1, Amount: 1, Interval: plandomain.IntervalMonthly,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrMissingVaultToken)
}

func TestApplyDeclineSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	f.setRetries(t, sub.ID, 2)

	now := f.clock.Now()
	out, err := f.svc.ApplyDecline(context.Background(), nil, sub.ID, subscriptiondomain.DeclineInput{
		Classification: decline.NewClassifier().Classify("51", "Insufficient funds"),
		Source:         "txn_1",
	})
	require.NoError(t, err)

	assert.True(t, out.Decision.Retry)
	assert.Equal(t, 3, out.Subscription.Retries)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, out.Subscription.Status)
	assert.True(t, out.Subscription.NextBillAt.Equal(now.Add(72*time.Hour)))
	require.NotNil(t, out.Retry)
	assert.Equal(t, 3, out.Retry.Attempt)
	assert.Equal(t, " RENEWAL", out.Retry.DescriptorSuffix)
	assert.Equal(t, int64(1), f.pendingRetries(t, sub.ID))
	assert.Equal(t, int64(1), f.eventCount(t, events.EventRetryScheduled))

	stored, err := f.svc.Get(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "51", stored.LastDeclineCode)
	assert.Equal(t, string(decline.CategoryInsufficientFunds), stored.LastDeclineCategory)
}

func TestApplyDeclineKeepsSinglePendingRetry(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()
	classification := decline.NewClassifier().Classify("05", "Do not honor")

	first, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: classification, Source: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Subscription.Retries)

	f.clock.Advance(13 * time.Hour)
	second, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: classification, Source: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Subscription.Retries)
	assert.Equal(t, int64(1), f.pendingRetries(t, sub.ID))

	retries, err := f.svc.ListRetries(ctx, sub.ID.String())
	require.NoError(t, err)
	require.Len(t, retries, 2)
	assert.Equal(t, subscriptiondomain.RetryStatusExecuted, retries[0].Status)
	assert.Equal(t, subscriptiondomain.RetryStatusPending, retries[1].Status)
}

func TestApplyDeclineDispositions(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		retries int
		want    subscriptiondomain.SubscriptionStatus
	}{
		{name: "expired card needs update", code: "54", want: subscriptiondomain.SubscriptionStatusPastDue},
		{name: "stolen card terminates", code: "43", want: subscriptiondomain.SubscriptionStatusCanceled},
		{name: "exhausted retries", code: "51", retries: 3, want: subscriptiondomain.SubscriptionStatusPastDue},
		{name: "manual review", code: "78", want: subscriptiondomain.SubscriptionStatusPastDue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.create(t)
			f.setRetries(t, sub.ID, tc.retries)

			out, err := f.svc.ApplyDecline(context.Background(), nil, sub.ID, subscriptiondomain.DeclineInput{
				Classification: decline.NewClassifier().Classify(tc.code, ""),
				Source:         "txn",
			})
			require.NoError(t, err)
			assert.False(t, out.Decision.Retry)
			assert.Nil(t, out.Retry)
			assert.Equal(t, tc.want, out.Subscription.Status)
			assert.Equal(t, tc.retries, out.Subscription.Retries)
			assert.Zero(t, f.pendingRetries(t, sub.ID))
		})
	}
}

func TestTerminalDeclineFreezesNextBillAt(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	now := f.clock.Now()

	out, err := f.svc.ApplyDecline(context.Background(), nil, sub.ID, subscriptiondomain.DeclineInput{
		Classification: decline.NewClassifier().Classify("43", ""),
		Source:         "txn",
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, out.Subscription.Status)
	require.NotNil(t, out.Subscription.CanceledAt)
	assert.True(t, out.Subscription.CanceledAt.Equal(now))
	assert.True(t, out.Subscription.NextBillAt.Equal(sub.NextBillAt))

	_, err = f.svc.ApplyApproval(context.Background(), nil, sub.ID, subscriptiondomain.ApprovalInput{Source: "txn"})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotBillable)
}

func TestApplyApprovalResetsRetries(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	declined, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{
		Classification: decline.NewClassifier().Classify("51", ""),
		Source:         "d1",
	})
	require.NoError(t, err)

	f.clock.Advance(12 * time.Hour)
	approved, err := f.svc.ApplyApproval(ctx, nil, sub.ID, subscriptiondomain.ApprovalInput{Source: "a1"})
	require.NoError(t, err)

	assert.Equal(t, 0, approved.Retries)
	assert.True(t, approved.NextBillAt.After(declined.Subscription.NextBillAt))
	assert.True(t, approved.NextBillAt.Equal(f.clock.Now().AddDate(0, 1, 0)))
	assert.Empty(t, approved.LastDeclineCode)
	assert.Zero(t, f.pendingRetries(t, sub.ID))
}

func TestApplyApprovalReactivatesPastDue(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	out, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{
		Classification: decline.NewClassifier().Classify("54", ""),
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, out.Subscription.Status)

	approved, err := f.svc.ApplyApproval(ctx, nil, sub.ID, subscriptiondomain.ApprovalInput{Source: "x"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, approved.Status)
}

func TestApplyErrorKeepsRetries(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	f.setRetries(t, sub.ID, 1)
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET next_bill_at = ? WHERE id = ?`, f.clock.Now(), sub.ID).Error)

	out, err := f.svc.ApplyError(context.Background(), nil, sub.ID, subscriptiondomain.ErrorInput{Source: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Retries)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, out.Status)
	assert.True(t, out.NextBillAt.Equal(f.clock.Now().Add(time.Hour)))
}

func TestDeclineOnCanceledIsRejected(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, sub.ID.String())
	require.NoError(t, err)

	_, err = f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: decline.NewClassifier().Classify("51", "")})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotBillable)
	_, err = f.svc.ApplyApproval(ctx, nil, sub.ID, subscriptiondomain.ApprovalInput{})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotBillable)
}

func TestApplyCredentialUpdateRecoversPastDue(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	_, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: decline.NewClassifier().Classify("54", "")})
	require.NoError(t, err)

	updated, err := f.svc.ApplyCredentialUpdate(ctx, nil, sub.ID, subscriptiondomain.CredentialUpdate{
		Card:      subscriptiondomain.CardDetails{VaultToken: "vault_2", BIN: "510510", Last4: "5100", Brand: "mastercard", ExpMonth: 1, ExpYear: 2031},
		Refreshed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, 0, updated.Retries)
	assert.Equal(t, "vault_2", updated.VaultToken)
	assert.NotNil(t, updated.CardRefreshedAt)
	assert.True(t, updated.NextBillAt.After(f.clock.Now()))

	stored, err := f.repo.FindByID(ctx, f.db, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "mastercard", stored.CardBrand)
	assert.Equal(t, "5100", stored.CardLast4)
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	_, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: decline.NewClassifier().Classify("51", "")})
	require.NoError(t, err)
	require.Equal(t, int64(1), f.pendingRetries(t, sub.ID))

	paused, err := f.svc.Pause(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)
	assert.Zero(t, f.pendingRetries(t, sub.ID))

	f.clock.Advance(90 * 24 * time.Hour)
	resumed, err := f.svc.Resume(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resumed.Status)
	assert.Equal(t, 1, resumed.Retries)
	assert.True(t, resumed.NextBillAt.Equal(f.clock.Now().Add(time.Hour)))

	canceled, err := f.svc.Cancel(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, canceled.Status)

	_, err = f.svc.Resume(ctx, sub.ID.String())
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestResumeRequiresPaused(t *testing.T) {
	f := newFixture(t)
	sub := f.create(t)
	ctx := context.Background()

	_, err := f.svc.ApplyDecline(ctx, nil, sub.ID, subscriptiondomain.DeclineInput{Classification: decline.NewClassifier().Classify("54", "")})
	require.NoError(t, err)

	_, err = f.svc.Resume(ctx, sub.ID.String())
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Pause(ctx, "not-an-id")
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidSubscription)
}

func TestIsTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to subscriptiondomain.SubscriptionStatus
		want     bool
	}{
		{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusPastDue, true},
		{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusCanceled, true},
		{subscriptiondomain.SubscriptionStatusPastDue, subscriptiondomain.SubscriptionStatusActive, true},
		{subscriptiondomain.SubscriptionStatusPaused, subscriptiondomain.SubscriptionStatusPastDue, false},
		{subscriptiondomain.SubscriptionStatusCanceled, subscriptiondomain.SubscriptionStatusActive, false},
		{subscriptiondomain.SubscriptionStatusCanceled, subscriptiondomain.SubscriptionStatusPaused, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isTransitionAllowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
