package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/billingevent"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/decline"
	"github.com/smallbiznis/rebill/internal/descriptor"
	"github.com/smallbiznis/rebill/internal/events"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/retry"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	outbox     billingevent.Outbox
	dunning    *config.DunningConfigHolder
	classifier *decline.Classifier
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       subscriptiondomain.Repository
	Outbox     billingevent.Outbox
	Dunning    *config.DunningConfigHolder
	Classifier *decline.Classifier
}

func NewService(p ServiceParam) subscriptiondomain.Lifecycle {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		outbox:     p.Outbox,
		dunning:    p.Dunning,
		classifier: p.Classifier,
	}
}

func (s *Service) Get(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := s.parseID(id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) ListRetries(ctx context.Context, id string) ([]subscriptiondomain.RetrySchedule, error) {
	subscriptionID, err := s.parseID(id)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRetries(ctx, s.db, subscriptionID)
}

func (s *Service) Create(ctx context.Context, tx *gorm.DB, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	switch {
	case req.CustomerID == 0:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCustomer
	case req.PlanID == 0:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
	case req.Amount <= 0:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidAmount
	case !req.Interval.Valid():
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidInterval
	case strings.TrimSpace(req.Card.VaultToken) == "":
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrMissingVaultToken
	}

	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		CustomerID:             req.CustomerID,
		PlanID:                 req.PlanID,
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		Amount:                 req.Amount,
		Currency:               strings.ToUpper(strings.TrimSpace(req.Currency)),
		Interval:               req.Interval,
		NextBillAt:             req.Interval.Advance(now),
		LastAttemptAt:          &now,
		AutoCardUpdaterEnabled: req.AutoCardUpdaterEnabled,
		Metadata:               datatypes.JSONMap(req.Metadata),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	applyCard(&subscription, req.Card)
	if subscription.Metadata == nil {
		subscription.Metadata = datatypes.JSONMap{}
	}

	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			return err
		}
		return s.recordTransition(ctx, tx, "", &subscription, subscriptiondomain.TransitionReasonCharge, req.Source)
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return subscription, nil
}

// ApplyApproval resets the retry count and moves next_bill_at one interval past the
// later of now and its previous value. A past_due subscription becomes active; a
// paused one stays paused.
func (s *Service) ApplyApproval(ctx context.Context, tx *gorm.DB, id snowflake.ID, in subscriptiondomain.ApprovalInput) (subscriptiondomain.Subscription, error) {
	var out subscriptiondomain.Subscription
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return subscriptiondomain.ErrSubscriptionNotBillable
		}

		now := s.clock.Now()
		previous := subscription.Status

		base := subscription.NextBillAt
		if now.After(base) {
			base = now
		}
		subscription.NextBillAt = subscription.Interval.Advance(base)
		subscription.Retries = 0
		subscription.LastAttemptAt = &now
		subscription.LastDeclineCode = ""
		subscription.LastDeclineCategory = ""
		if subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
			subscription.Status = subscriptiondomain.SubscriptionStatusActive
		}
		subscription.UpdatedAt = now

		if err := s.settlePendingRetry(ctx, tx, subscription.ID, now); err != nil {
			return err
		}
		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.recordTransition(ctx, tx, previous, subscription, subscriptiondomain.TransitionReasonCharge, in.Source); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	return out, err
}

// ApplyDecline runs the retry policy for a declined charge. A retry bumps retries by
// one and leaves exactly one pending schedule entry; otherwise the subscription moves
// to past_due or canceled.
func (s *Service) ApplyDecline(ctx context.Context, tx *gorm.DB, id snowflake.ID, in subscriptiondomain.DeclineInput) (subscriptiondomain.DeclineOutcome, error) {
	var out subscriptiondomain.DeclineOutcome
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			return subscriptiondomain.ErrSubscriptionNotBillable
		}

		cfg := s.dunning.Get()
		now := s.clock.Now()
		previous := subscription.Status
		classification := in.Classification
		decision := retry.NewPolicy(cfg, s.classifier).Decide(now, subscription.Retries, classification)

		subscription.LastAttemptAt = &now
		subscription.LastDeclineCode = classification.Code
		subscription.LastDeclineCategory = string(classification.Category)
		subscription.UpdatedAt = now

		if err := s.settlePendingRetry(ctx, tx, subscription.ID, now); err != nil {
			return err
		}

		var scheduled *subscriptiondomain.RetrySchedule
		if decision.Retry {
			subscription.Retries = decision.Attempt
			subscription.NextBillAt = decision.NextAt

			scheduled = &subscriptiondomain.RetrySchedule{
				ID:               s.genID.Generate(),
				SubscriptionID:   subscription.ID,
				Attempt:          decision.Attempt,
				ScheduledAt:      decision.NextAt,
				Status:           subscriptiondomain.RetryStatusPending,
				DescriptorSuffix: descriptor.FromDunning(cfg).Suffix(decision.Attempt, classification.Category),
				DeclineCode:      classification.Code,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.repo.InsertRetry(ctx, tx, scheduled); err != nil {
				return err
			}
		} else {
			switch decision.Disposition {
			case retry.DispositionCanceled:
				// canceled is terminal; next_bill_at stays frozen at its last billable
				// value and nothing selects on it again.
				subscription.Status = subscriptiondomain.SubscriptionStatusCanceled
				subscription.CanceledAt = &now
			default:
				subscription.Status = subscriptiondomain.SubscriptionStatusPastDue
				subscription.NextBillAt = now.Add(cfg.ResumeGrace)
			}
		}

		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}
		if scheduled != nil {
			if err := s.publishRetryScheduled(ctx, tx, subscription, scheduled, in.Source); err != nil {
				return err
			}
		}
		if err := s.recordTransition(ctx, tx, previous, subscription, subscriptiondomain.TransitionReasonCharge, in.Source); err != nil {
			return err
		}

		out = subscriptiondomain.DeclineOutcome{
			Subscription: *subscription,
			Decision:     decision,
			Retry:        scheduled,
		}
		return nil
	})
	return out, err
}

// ApplyError handles a gateway error where no charge happened. Retries are untouched
// and the next attempt waits error_retry_delay.
func (s *Service) ApplyError(ctx context.Context, tx *gorm.DB, id snowflake.ID, in subscriptiondomain.ErrorInput) (subscriptiondomain.Subscription, error) {
	var out subscriptiondomain.Subscription
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			return subscriptiondomain.ErrSubscriptionNotBillable
		}

		now := s.clock.Now()
		next := now.Add(s.dunning.Get().ErrorRetryDelay)
		if subscription.NextBillAt.After(next) {
			next = subscription.NextBillAt
		}
		subscription.NextBillAt = next
		subscription.LastAttemptAt = &now
		subscription.UpdatedAt = now

		pending, err := s.repo.FindPendingRetry(ctx, tx, subscription.ID)
		if err != nil {
			return err
		}
		if pending != nil && pending.ScheduledAt.Before(next) {
			if err := s.repo.ReschedulePendingRetry(ctx, tx, subscription.ID, next, now); err != nil {
				return err
			}
		}

		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	return out, err
}

// ApplyCredentialUpdate stores a new card and clears the retry bookkeeping. A past_due
// subscription becomes active again.
func (s *Service) ApplyCredentialUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID, in subscriptiondomain.CredentialUpdate) (subscriptiondomain.Subscription, error) {
	if strings.TrimSpace(in.Card.VaultToken) == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrMissingVaultToken
	}

	var out subscriptiondomain.Subscription
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
			return subscriptiondomain.ErrSubscriptionNotBillable
		}

		now := s.clock.Now()
		previous := subscription.Status

		applyCard(subscription, in.Card)
		if in.Refreshed {
			subscription.CardRefreshedAt = &now
		}
		if subscription.Retries > 0 {
			if _, err := s.repo.ResolvePendingRetries(ctx, tx, subscription.ID, subscriptiondomain.RetryStatusSkipped, now); err != nil {
				return err
			}
		}
		subscription.Retries = 0
		subscription.LastDeclineCode = ""
		subscription.LastDeclineCategory = ""
		if subscription.Status == subscriptiondomain.SubscriptionStatusPastDue {
			subscription.Status = subscriptiondomain.SubscriptionStatusActive
			subscription.NextBillAt = s.graceful(subscription.NextBillAt, now)
		}
		subscription.UpdatedAt = now

		if err := s.repo.UpdateCard(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.recordTransition(ctx, tx, previous, subscription, subscriptiondomain.TransitionReasonCard, in.Source); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	return out, err
}

func (s *Service) Pause(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return s.TransitionSubscription(ctx, id, subscriptiondomain.SubscriptionStatusPaused, subscriptiondomain.TransitionReasonOperator)
}

func (s *Service) Resume(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return s.TransitionSubscription(ctx, id, subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.TransitionReasonOperator)
}

func (s *Service) Cancel(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return s.TransitionSubscription(ctx, id, subscriptiondomain.SubscriptionStatusCanceled, subscriptiondomain.TransitionReasonOperator)
}

// TransitionSubscription applies an operator status change. Charge outcomes go through
// the Apply* methods instead.
func (s *Service) TransitionSubscription(
	ctx context.Context,
	subscriptionID string,
	targetStatus subscriptiondomain.SubscriptionStatus,
	reason subscriptiondomain.TransitionReason,
) (subscriptiondomain.Subscription, error) {
	id, err := s.parseID(subscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if !isValidStatus(targetStatus) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTargetStatus
	}

	var out subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}

		if subscription.Status == targetStatus {
			out = *subscription
			return nil
		}

		if !isTransitionAllowed(subscription.Status, targetStatus) {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		previous := subscription.Status
		switch targetStatus {
		case subscriptiondomain.SubscriptionStatusActive:
			if previous != subscriptiondomain.SubscriptionStatusPaused {
				return subscriptiondomain.ErrInvalidTransition
			}
			subscription.PausedAt = nil
			subscription.NextBillAt = s.graceful(subscription.NextBillAt, now)
		case subscriptiondomain.SubscriptionStatusPaused:
			subscription.PausedAt = &now
			if _, err := s.repo.ResolvePendingRetries(ctx, tx, subscription.ID, subscriptiondomain.RetryStatusSkipped, now); err != nil {
				return err
			}
		case subscriptiondomain.SubscriptionStatusCanceled:
			subscription.CanceledAt = &now
			if _, err := s.repo.ResolvePendingRetries(ctx, tx, subscription.ID, subscriptiondomain.RetryStatusSkipped, now); err != nil {
				return err
			}
		default:
			return subscriptiondomain.ErrInvalidTargetStatus
		}

		subscription.Status = targetStatus
		subscription.UpdatedAt = now

		if err := s.repo.UpdateState(ctx, tx, subscription); err != nil {
			return err
		}
		if err := s.recordTransition(ctx, tx, previous, subscription, reason, s.genID.Generate().String()); err != nil {
			return err
		}
		out = *subscription
		return nil
	})
	return out, err
}

func (s *Service) withTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// settlePendingRetry closes the pending entry a charge attempt consumed. An entry that
// was already due counts as executed, one still in the future was superseded.
func (s *Service) settlePendingRetry(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, now time.Time) error {
	pending, err := s.repo.FindPendingRetry(ctx, tx, subscriptionID)
	if err != nil || pending == nil {
		return err
	}
	status := subscriptiondomain.RetryStatusExecuted
	if pending.ScheduledAt.After(now) {
		status = subscriptiondomain.RetryStatusSkipped
	}
	_, err = s.repo.ResolvePendingRetries(ctx, tx, subscriptionID, status, now)
	return err
}

// graceful keeps a future bill date and otherwise pushes it resume_grace past now.
func (s *Service) graceful(next, now time.Time) time.Time {
	if next.After(now) {
		return next
	}
	return now.Add(s.dunning.Get().ResumeGrace)
}

func (s *Service) recordTransition(
	ctx context.Context,
	tx *gorm.DB,
	from subscriptiondomain.SubscriptionStatus,
	subscription *subscriptiondomain.Subscription,
	reason subscriptiondomain.TransitionReason,
	source string,
) error {
	if from == subscription.Status {
		return nil
	}
	if source == "" {
		source = s.genID.Generate().String()
	}

	if from != "" {
		metrics.Scheduler().IncSubscriptionTransition(string(from), string(subscription.Status))
	}
	logger.WithSubscription(s.log, subscription.ID.String()).Info("subscription status changed",
		zap.String("from", string(from)),
		zap.String("to", string(subscription.Status)),
		zap.String("reason", string(reason)),
		zap.Int("retries", subscription.Retries),
	)

	return s.outbox.Publish(ctx, tx, events.EventSubscriptionStatusChanged, map[string]any{
		"subscription_id": subscription.ID.String(),
		"from":            string(from),
		"to":              string(subscription.Status),
		"reason":          string(reason),
		"source":          source,
		"occurred_at":     subscription.UpdatedAt.Format(time.RFC3339),
	}, events.DedupeKey(events.EventSubscriptionStatusChanged, subscription.ID.String(), source))
}

func (s *Service) publishRetryScheduled(
	ctx context.Context,
	tx *gorm.DB,
	subscription *subscriptiondomain.Subscription,
	scheduled *subscriptiondomain.RetrySchedule,
	source string,
) error {
	logger.WithSubscription(s.log, subscription.ID.String()).Info("retry scheduled",
		zap.Int("attempt", scheduled.Attempt),
		zap.Time("scheduled_at", scheduled.ScheduledAt),
		zap.String("decline_code", scheduled.DeclineCode),
	)
	return s.outbox.Publish(ctx, tx, events.EventRetryScheduled, map[string]any{
		"subscription_id":   subscription.ID.String(),
		"retry_id":          scheduled.ID.String(),
		"attempt":           scheduled.Attempt,
		"scheduled_at":      scheduled.ScheduledAt.Format(time.RFC3339),
		"descriptor_suffix": scheduled.DescriptorSuffix,
		"decline_code":      scheduled.DeclineCode,
	}, events.DedupeKey(events.EventRetryScheduled, subscription.ID.String(), scheduled.ID.String()))
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	return id, nil
}

func applyCard(subscription *subscriptiondomain.Subscription, card subscriptiondomain.CardDetails) {
	subscription.VaultToken = strings.TrimSpace(card.VaultToken)
	subscription.CardBIN = card.BIN
	subscription.CardLast4 = card.Last4
	subscription.CardBrand = card.Brand
	subscription.CardExpMonth = card.ExpMonth
	subscription.CardExpYear = card.ExpYear
}

func isValidStatus(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
		subscriptiondomain.SubscriptionStatusPaused,
		subscriptiondomain.SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	switch current {
	case subscriptiondomain.SubscriptionStatusActive:
		return target == subscriptiondomain.SubscriptionStatusPastDue ||
			target == subscriptiondomain.SubscriptionStatusPaused ||
			target == subscriptiondomain.SubscriptionStatusCanceled
	case subscriptiondomain.SubscriptionStatusPastDue:
		return target == subscriptiondomain.SubscriptionStatusActive ||
			target == subscriptiondomain.SubscriptionStatusPaused ||
			target == subscriptiondomain.SubscriptionStatusCanceled
	case subscriptiondomain.SubscriptionStatusPaused:
		return target == subscriptiondomain.SubscriptionStatusActive ||
			target == subscriptiondomain.SubscriptionStatusCanceled
	default:
		return false
	}
}
