package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      billingrundomain.Repository
	Processor transactiondomain.Processor
	Dunning   *config.DunningConfigHolder
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      billingrundomain.Repository
	processor transactiondomain.Processor
	dunning   *config.DunningConfigHolder
	tracer    trace.Tracer

	running atomic.Bool
}

func New(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("billingrun.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		processor: p.Processor,
		dunning:   p.Dunning,
		tracer:    otel.Tracer("rebill/billingrun"),
	}
}

// RunDueSubscriptions charges every active subscription whose next_bill_at has passed.
func (s *Service) RunDueSubscriptions(ctx context.Context) (billingrundomain.Summary, error) {
	return s.run(ctx, billingrundomain.SourceDueSubscriptions, s.repo.ListDueSubscriptions)
}

// RunDueRetries charges subscriptions through their pending retry schedule entries.
func (s *Service) RunDueRetries(ctx context.Context) (billingrundomain.Summary, error) {
	return s.run(ctx, billingrundomain.SourceDueRetries, s.repo.ListDueRetries)
}

type dueQuery func(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)

func (s *Service) run(ctx context.Context, source billingrundomain.Source, query dueQuery) (billingrundomain.Summary, error) {
	summary := billingrundomain.Summary{Source: source, Results: []billingrundomain.Result{}}
	if !s.running.CompareAndSwap(false, true) {
		return summary, billingrundomain.ErrRunInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "billingrun."+string(source))
	defer span.End()

	cfg := s.dunning.Get().BillingRun
	start := s.clock.Now()
	log := s.log.With(zap.String("source", string(source)))

	ids, err := query(ctx, s.db, start, cfg.BatchSize)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "list due subscriptions failed")
		return summary, err
	}
	log.Info("billing run started", zap.Int("due", len(ids)))

	limiter := courtesyLimiter(cfg.CourtesyDelay)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			log.Warn("billing run stopped before completion",
				zap.Int("processed", i),
				zap.Int("remaining", len(ids)-i),
				zap.Error(err),
			)
			return s.finish(span, log, summary), err
		}
		if i > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return s.finish(span, log, summary), err
			}
		}
		summary.Add(s.chargeOne(ctx, source, id))
	}

	obsmetrics.Scheduler().AddBatchProcessed(string(source), "subscriptions", summary.Total)
	return s.finish(span, log, summary), nil
}

// chargeOne runs a single attempt to completion even if the run is canceled meanwhile.
func (s *Service) chargeOne(ctx context.Context, source billingrundomain.Source, id snowflake.ID) billingrundomain.Result {
	result := billingrundomain.Result{SubscriptionID: id.String()}
	log := s.log.With(
		zap.String("source", string(source)),
		zap.String("subscription_id", result.SubscriptionID),
	)

	res, err := s.processor.ChargeRecurring(context.WithoutCancel(ctx), transactiondomain.ChargeRecurringRequest{
		SubscriptionID: result.SubscriptionID,
		OnlyIfDue:      true,
		Trigger:        string(source),
	})
	if res.Transaction.ID != 0 {
		result.TransactionID = res.Transaction.ID.String()
	}

	switch {
	case err == nil && res.Outcome == transactiondomain.OutcomeKindApproved:
		result.Outcome = billingrundomain.OutcomeApproved
	case err == nil && res.Outcome == transactiondomain.OutcomeKindDeclined:
		result.Outcome = billingrundomain.OutcomeDeclined
		if res.Decline != nil {
			log = log.With(zap.String("decline_category", string(res.Decline.Category)))
		}
	case err != nil && isSkip(err):
		result.Outcome = billingrundomain.OutcomeSkipped
		result.Error = err.Error()
		log.Debug("subscription skipped", zap.Error(err))
		return result
	default:
		result.Outcome = billingrundomain.OutcomeError
		if err != nil {
			result.Error = tracing.SafeError(err).Error()
		}
		log.Warn("charge attempt failed", zap.Error(err))
		return result
	}

	log.Info("charge attempt finished",
		zap.String("outcome", string(result.Outcome)),
		zap.String("transaction_id", result.TransactionID),
	)
	return result
}

func (s *Service) finish(span trace.Span, log *zap.Logger, summary billingrundomain.Summary) billingrundomain.Summary {
	span.SetAttributes(
		attribute.Int("billingrun.total", summary.Total),
		attribute.Int("billingrun.successful", summary.Successful),
		attribute.Int("billingrun.failed", summary.Failed),
		attribute.Int("billingrun.errors", summary.Errors),
		attribute.Int("billingrun.skipped", summary.Skipped),
	)
	log.Info("billing run finished",
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", summary.Errors),
		zap.Int("skipped", summary.Skipped),
	)
	return summary
}

// isSkip reports precondition failures that mean "not this time" rather than a failed charge.
func isSkip(err error) bool {
	return errors.Is(err, transactiondomain.ErrNotDue) ||
		errors.Is(err, transactiondomain.ErrChargeInProgress) ||
		errors.Is(err, transactiondomain.ErrReconciliationPending) ||
		errors.Is(err, transactiondomain.ErrSubscriptionNotActive)
}

func courtesyLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}
