package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/rebill/internal/billingevent"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
	"github.com/smallbiznis/rebill/internal/decline"
	"github.com/smallbiznis/rebill/internal/descriptor"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"github.com/smallbiznis/rebill/internal/validator"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       transactiondomain.Repository
	Lifecycle  subscriptiondomain.Lifecycle
	Customers  customerdomain.Service
	Plans      plandomain.Service
	Gateway    gatewaydomain.Gateway
	Outbox     billingevent.Outbox
	Dunning    *config.DunningConfigHolder
	Classifier *decline.Classifier
	Metrics    *metrics.Metrics              `optional:"true"`
	Guard      transactiondomain.ChargeGuard `optional:"true"`
	Vault      vaultdomain.Service           `optional:"true"`
}

type Processor struct {
	db     *gorm.DB
	log    *zap.Logger
	tracer trace.Tracer

	genID      *snowflake.Node
	clock      clock.Clock
	repo       transactiondomain.Repository
	lifecycle  subscriptiondomain.Lifecycle
	customers  customerdomain.Service
	plans      plandomain.Service
	gateway    gatewaydomain.Gateway
	outbox     billingevent.Outbox
	dunning    *config.DunningConfigHolder
	classifier *decline.Classifier
	metrics    *metrics.Metrics
	guard      transactiondomain.ChargeGuard
	vault      vaultdomain.Service
}

func New(p Params) *Processor {
	return &Processor{
		db:     p.DB,
		log:    p.Log.Named("transaction.processor"),
		tracer: otel.Tracer("rebill/transaction"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		lifecycle:  p.Lifecycle,
		customers:  p.Customers,
		plans:      p.Plans,
		gateway:    p.Gateway,
		outbox:     p.Outbox,
		dunning:    p.Dunning,
		classifier: p.Classifier,
		metrics:    p.Metrics,
		guard:      p.Guard,
		vault:      p.Vault,
	}
}

var _ transactiondomain.Processor = (*Processor)(nil)

// ChargeInitial runs the customer-initiated first charge. A subscription exists only
// when the gateway approved the charge and vaulted the card.
func (p *Processor) ChargeInitial(ctx context.Context, req transactiondomain.ChargeInitialRequest) (transactiondomain.ChargeInitialResult, error) {
	ctx, span := p.tracer.Start(ctx, "transaction.charge_initial")
	defer span.End()

	if err := validator.ValidateRequest(req); err != nil {
		return transactiondomain.ChargeInitialResult{}, err
	}

	plan, err := p.plans.Get(ctx, req.PlanRef)
	if err != nil {
		return transactiondomain.ChargeInitialResult{}, err
	}
	if !plan.Active {
		return transactiondomain.ChargeInitialResult{}, transactiondomain.ErrPlanInactive
	}

	customer, err := p.customers.ResolveOrCreate(ctx, customerdomain.ResolveCustomerRequest{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		return transactiondomain.ChargeInitialResult{}, err
	}

	card := req.Card.Summary()
	credential := req.Card
	charge := gatewaydomain.ChargeRequest{
		Credential:  &credential,
		CreateVault: true,
		Identity: gatewaydomain.BillingIdentity{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Email:     customer.Email,
			Phone:     req.Phone,
		},
		Amount:     plan.Amount,
		Currency:   plan.Currency,
		OrderRef:   newOrderRef("cit"),
		Descriptor: descriptor.FromDunning(p.dunning.Get()).Select(0, "", card.Brand),
		Initiator:  gatewaydomain.InitiatorCustomer,
		Recurring:  gatewaydomain.RecurringInitial,
	}

	log := logger.WithContext(ctx, p.log).With(
		zap.String("order_ref", charge.OrderRef),
		zap.String("customer_id", customer.ID.String()),
		zap.String("plan_id", plan.ID.String()),
		zap.String("card_bin", card.BIN),
		zap.String("card_last4", card.Last4),
	)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("order_ref", charge.OrderRef),
		attribute.String("initiator", string(charge.Initiator)),
	)...)

	resp, chargeErr := p.submit(ctx, charge)
	if chargeErr != nil && ierr.IsValidation(chargeErr) {
		return transactiondomain.ChargeInitialResult{}, chargeErr
	}

	txn := p.newTransaction(charge, resp, card)
	txn.CustomerID = customer.ID
	txn.PlanID = plan.ID

	result := transactiondomain.ChargeInitialResult{}

	switch {
	case chargeErr != nil:
		if err := p.recordUnknown(ctx, &txn, nil, chargeErr); err != nil {
			return result, err
		}
		result.Transaction = txn
		result.Outcome = transactiondomain.OutcomeKindUnknown
		log.Warn("initial charge outcome unknown, reconciliation pending", zap.Error(tracing.SafeError(chargeErr)))
		span.SetStatus(codes.Error, "outcome unknown")
		return result, unknownOutcomeErr(chargeErr)

	case resp.Approved():
		txn.Status = transactiondomain.StatusApproved
		var created *subscriptiondomain.Subscription
		err := p.persist(ctx, func(tx *gorm.DB) error {
			created = nil
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			if resp.VaultToken != "" {
				sub, err := p.lifecycle.Create(ctx, tx, subscriptiondomain.CreateSubscriptionRequest{
					CustomerID: customer.ID,
					PlanID:     plan.ID,
					Amount:     plan.Amount,
					Currency:   plan.Currency,
					Interval:   plan.Interval,
					Card: subscriptiondomain.CardDetails{
						VaultToken: resp.VaultToken,
						BIN:        card.BIN,
						Last4:      card.Last4,
						Brand:      card.Brand,
						ExpMonth:   card.ExpMonth,
						ExpYear:    card.ExpYear,
					},
					AutoCardUpdaterEnabled: req.AutoCardUpdaterEnabled,
					Metadata:               req.Metadata,
					Source:                 txn.ID.String(),
				})
				if err != nil {
					return err
				}
				if err := p.repo.AttachSubscription(ctx, tx, txn.ID, sub.ID); err != nil {
					return err
				}
				created = &sub
			}
			linked := txn
			if created != nil {
				linked.SubscriptionID = &created.ID
			}
			return p.publishTransaction(ctx, tx, linked)
		})
		if err != nil {
			log.Error("persist approved initial charge failed", zap.Error(err))
			return result, err
		}
		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))

		if created == nil {
			log.Error("initial charge approved without a vault token, no subscription created",
				zap.String("transaction_id", txn.ID.String()),
			)
			result.Transaction = txn
			result.Outcome = transactiondomain.OutcomeKindApproved
			return result, nil
		}

		txn.SubscriptionID = &created.ID
		if err := p.customers.AttachVaultRef(ctx, customer.ID, resp.VaultToken); err != nil {
			log.Warn("attach vault ref to customer failed", zap.Error(err))
		}
		subscription := p.tokenize(ctx, *created)

		log.Info("initial charge approved",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("subscription_id", created.ID.String()),
		)
		result.Transaction = txn
		result.Subscription = &subscription
		result.Outcome = transactiondomain.OutcomeKindApproved
		return result, nil

	case resp.Declined():
		classification := p.classifier.Classify(resp.ResponseCode, resp.ResponseText)
		txn.Status = transactiondomain.StatusDeclined
		txn.DeclineCategory = string(classification.Category)
		err := p.persist(ctx, func(tx *gorm.DB) error {
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			return p.publishTransaction(ctx, tx, txn)
		})
		if err != nil {
			log.Error("persist declined initial charge failed", zap.Error(err))
			return result, err
		}
		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))
		p.metrics.RecordDecline(ctx, string(classification.Category), false)

		log.Info("initial charge declined",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("response_code", resp.ResponseCode),
			zap.String("category", string(classification.Category)),
		)
		result.Transaction = txn
		result.Outcome = transactiondomain.OutcomeKindDeclined
		result.Decline = declineDetail(classification, nil)
		return result, nil

	default:
		txn.Status = transactiondomain.StatusError
		err := p.persist(ctx, func(tx *gorm.DB) error {
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			return p.publishTransaction(ctx, tx, txn)
		})
		if err != nil {
			return result, err
		}
		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))
		log.Warn("initial charge rejected by gateway",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("response_text", resp.ResponseText),
		)
		result.Transaction = txn
		result.Outcome = transactiondomain.OutcomeKindError
		return result, gatewayRejectedErr(resp)
	}
}

// ChargeRecurring runs one merchant-initiated charge against the stored vault token.
// Preconditions are checked under the charge guard so two callers cannot both pass them.
func (p *Processor) ChargeRecurring(ctx context.Context, req transactiondomain.ChargeRecurringRequest) (transactiondomain.ChargeRecurringResult, error) {
	ctx, span := p.tracer.Start(ctx, "transaction.charge_recurring")
	defer span.End()

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || subscriptionID == 0 {
		return transactiondomain.ChargeRecurringResult{}, subscriptiondomain.ErrInvalidSubscription
	}

	if p.guard != nil {
		release, err := p.guard.Acquire(ctx, subscriptionID.String())
		if err != nil {
			if errors.Is(err, ratelimit.ErrLockHeld) {
				return transactiondomain.ChargeRecurringResult{}, transactiondomain.ErrChargeInProgress
			}
			return transactiondomain.ChargeRecurringResult{}, err
		}
		defer release()
	}

	subscription, err := p.lifecycle.Get(ctx, subscriptionID.String())
	if err != nil {
		return transactiondomain.ChargeRecurringResult{}, err
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return transactiondomain.ChargeRecurringResult{}, transactiondomain.ErrSubscriptionNotActive
	}
	if strings.TrimSpace(subscription.VaultToken) == "" {
		return transactiondomain.ChargeRecurringResult{}, transactiondomain.ErrMissingVaultToken
	}
	pending, err := p.repo.HasPendingReconciliation(ctx, p.db, subscription.ID)
	if err != nil {
		return transactiondomain.ChargeRecurringResult{}, err
	}
	if pending {
		return transactiondomain.ChargeRecurringResult{}, transactiondomain.ErrReconciliationPending
	}
	if req.OnlyIfDue && subscription.NextBillAt.After(p.clock.Now()) {
		return transactiondomain.ChargeRecurringResult{}, transactiondomain.ErrNotDue
	}

	charge := gatewaydomain.ChargeRequest{
		VaultToken: subscription.VaultToken,
		Amount:     subscription.Amount,
		Currency:   subscription.Currency,
		OrderRef:   newOrderRef("mit"),
		Descriptor: descriptor.FromDunning(p.dunning.Get()).Select(
			subscription.Retries,
			decline.Category(subscription.LastDeclineCategory),
			subscription.CardBrand,
		),
		Initiator: gatewaydomain.InitiatorMerchant,
		Recurring: gatewaydomain.RecurringSubsequent,
	}

	log := logger.WithSubscription(logger.WithContext(ctx, p.log), subscription.ID.String()).With(
		zap.String("order_ref", charge.OrderRef),
		zap.String("trigger", req.Trigger),
		zap.Int("retry_attempt", subscription.Retries),
	)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("subscription_id", subscription.ID.String()),
		attribute.String("order_ref", charge.OrderRef),
		attribute.Int("retry_attempt", subscription.Retries),
	)...)

	resp, chargeErr := p.submit(ctx, charge)
	if chargeErr != nil && ierr.IsValidation(chargeErr) {
		return transactiondomain.ChargeRecurringResult{}, chargeErr
	}

	txn := p.newTransaction(charge, resp, gatewaydomain.CardSummary{BIN: subscription.CardBIN, Brand: subscription.CardBrand})
	txn.SubscriptionID = &subscription.ID
	txn.CustomerID = subscription.CustomerID
	txn.PlanID = subscription.PlanID
	txn.RetryAttempt = subscription.Retries

	result := transactiondomain.ChargeRecurringResult{Subscription: subscription}
	source := txn.ID.String()

	switch {
	case chargeErr != nil:
		if err := p.recordUnknown(ctx, &txn, &subscription.ID, chargeErr); err != nil {
			return result, err
		}
		result.Transaction = txn
		result.Outcome = transactiondomain.OutcomeKindUnknown
		log.Warn("recurring charge outcome unknown, reconciliation pending", zap.Error(tracing.SafeError(chargeErr)))
		span.SetStatus(codes.Error, "outcome unknown")
		return result, unknownOutcomeErr(chargeErr)

	case resp.Approved():
		txn.Status = transactiondomain.StatusApproved
		updated := subscription
		err := p.persist(ctx, func(tx *gorm.DB) error {
			updated = subscription
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			sub, err := p.lifecycle.ApplyApproval(ctx, tx, subscription.ID, subscriptiondomain.ApprovalInput{Source: source})
			switch {
			case err == nil:
				updated = sub
			case errors.Is(err, subscriptiondomain.ErrSubscriptionNotBillable):
				log.Warn("subscription left billable state during charge, approval recorded only")
			default:
				return err
			}
			return p.publishTransaction(ctx, tx, txn)
		})
		if err != nil {
			log.Error("persist approved recurring charge failed", zap.Error(err))
			return result, err
		}
		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))
		log.Info("recurring charge approved",
			zap.String("transaction_id", source),
			zap.Time("next_bill_at", updated.NextBillAt),
		)
		result.Transaction = txn
		result.Subscription = updated
		result.Outcome = transactiondomain.OutcomeKindApproved
		return result, nil

	case resp.Declined():
		classification := p.classifier.Classify(resp.ResponseCode, resp.ResponseText)
		txn.Status = transactiondomain.StatusDeclined
		txn.DeclineCategory = string(classification.Category)

		var outcome subscriptiondomain.DeclineOutcome
		err := p.persist(ctx, func(tx *gorm.DB) error {
			outcome = subscriptiondomain.DeclineOutcome{Subscription: subscription}
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			applied, err := p.lifecycle.ApplyDecline(ctx, tx, subscription.ID, subscriptiondomain.DeclineInput{
				Classification: classification,
				Source:         source,
			})
			switch {
			case err == nil:
				outcome = applied
			case errors.Is(err, subscriptiondomain.ErrSubscriptionNotBillable):
				log.Warn("subscription left billable state during charge, decline recorded only")
			default:
				return err
			}
			return p.publishTransaction(ctx, tx, txn)
		})
		if err != nil {
			log.Error("persist declined recurring charge failed", zap.Error(err))
			return result, err
		}

		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))
		p.metrics.RecordDecline(ctx, string(classification.Category), outcome.Decision.Retry)
		var nextAttempt *time.Time
		if outcome.Decision.Retry {
			p.metrics.RecordRetryScheduled(ctx, outcome.Decision.Attempt)
			next := outcome.Decision.NextAt
			nextAttempt = &next
		}

		log.Info("recurring charge declined",
			zap.String("transaction_id", source),
			zap.String("response_code", resp.ResponseCode),
			zap.String("category", string(classification.Category)),
			zap.Bool("will_retry", outcome.Decision.Retry),
			zap.String("status", string(outcome.Subscription.Status)),
		)
		result.Transaction = txn
		result.Subscription = outcome.Subscription
		result.Outcome = transactiondomain.OutcomeKindDeclined
		result.Decline = declineDetail(classification, nextAttempt)
		return result, nil

	default:
		txn.Status = transactiondomain.StatusError
		updated := subscription
		err := p.persist(ctx, func(tx *gorm.DB) error {
			updated = subscription
			if err := p.repo.Insert(ctx, tx, &txn); err != nil {
				return err
			}
			sub, err := p.lifecycle.ApplyError(ctx, tx, subscription.ID, subscriptiondomain.ErrorInput{Source: source})
			switch {
			case err == nil:
				updated = sub
			case errors.Is(err, subscriptiondomain.ErrSubscriptionNotBillable):
			default:
				return err
			}
			return p.publishTransaction(ctx, tx, txn)
		})
		if err != nil {
			return result, err
		}
		p.metrics.RecordChargeAttempt(ctx, string(charge.Initiator), string(txn.Status))
		log.Warn("recurring charge rejected by gateway",
			zap.String("transaction_id", source),
			zap.String("response_text", resp.ResponseText),
			zap.Time("next_bill_at", updated.NextBillAt),
		)
		result.Transaction = txn
		result.Subscription = updated
		result.Outcome = transactiondomain.OutcomeKindError
		return result, gatewayRejectedErr(resp)
	}
}

func (p *Processor) Get(ctx context.Context, id string) (transactiondomain.Transaction, error) {
	transactionID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || transactionID == 0 {
		return transactiondomain.Transaction{}, transactiondomain.ErrInvalidTransaction
	}
	item, err := p.repo.FindByID(ctx, p.db, transactionID)
	if err != nil {
		return transactiondomain.Transaction{}, err
	}
	if item == nil {
		return transactiondomain.Transaction{}, transactiondomain.ErrTransactionNotFound
	}
	return *item, nil
}

func (p *Processor) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]transactiondomain.Transaction, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil || id == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return p.repo.ListBySubscription(ctx, p.db, id, limit)
}

func (p *Processor) submit(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.Response, error) {
	start := time.Now()
	resp, err := p.gateway.Charge(ctx, req)
	p.metrics.ObserveGatewayLatency(ctx, p.gateway.Provider(), time.Since(start))
	return resp, err
}

// tokenize enables the network token after signup. Failures never fail the signup.
func (p *Processor) tokenize(ctx context.Context, subscription subscriptiondomain.Subscription) subscriptiondomain.Subscription {
	if p.vault == nil || !p.dunning.Get().Vault.AutoTokenize {
		return subscription
	}
	log := logger.WithSubscription(p.log, subscription.ID.String())
	if _, err := p.vault.EnableNetworkTokenization(ctx, subscription.ID.String()); err != nil {
		log.Info("network tokenization skipped", zap.Error(err))
		return subscription
	}
	refreshed, err := p.lifecycle.Get(ctx, subscription.ID.String())
	if err != nil {
		log.Warn("reload subscription after tokenization failed", zap.Error(err))
		return subscription
	}
	return refreshed
}

func (p *Processor) newTransaction(req gatewaydomain.ChargeRequest, resp gatewaydomain.Response, card gatewaydomain.CardSummary) transactiondomain.Transaction {
	txn := transactiondomain.Transaction{
		ID:           p.genID.Generate(),
		OrderRef:     req.OrderRef,
		ResponseCode: resp.ResponseCode,
		ResponseText: resp.ResponseText,
		AuthCode:     resp.AuthCode,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Initiator:    string(req.Initiator),
		Recurring:    string(req.Recurring),
		Descriptor:   req.Descriptor,
		CardBIN:      card.BIN,
		CardBrand:    card.Brand,
		CreatedAt:    p.clock.Now(),
	}
	if resp.TransactionID != "" {
		gatewayTxnID := resp.TransactionID
		txn.GatewayTxnID = &gatewayTxnID
	}
	if len(resp.Raw) > 0 {
		raw := datatypes.JSONMap{}
		for k, v := range resp.Raw {
			raw[k] = v
		}
		txn.GatewayRaw = raw
	}
	return txn
}

func declineDetail(c decline.Classification, nextAttempt *time.Time) *transactiondomain.DeclineDetail {
	return &transactiondomain.DeclineDetail{
		Code:           c.Code,
		Category:       c.Category,
		Severity:       c.Severity,
		ActionRequired: c.ActionRequired,
		Description:    c.Description,
		WillRetry:      nextAttempt != nil,
		NextAttemptAt:  nextAttempt,
	}
}

// newOrderRef returns a reference unique per attempt; cit_ and mit_ prefixes keep the
// initiator visible in gateway reports.
func newOrderRef(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

func unknownOutcomeErr(cause error) error {
	return ierr.WithError(cause).
		WithMessage("charge outcome unknown").
		WithHint("The gateway did not confirm the charge. It will be reconciled before the subscription is charged again.").
		Mark(ierr.ErrGatewayUnavailable)
}

func gatewayRejectedErr(resp gatewaydomain.Response) error {
	return ierr.NewError("gateway rejected charge: "+resp.ResponseText).
		WithHint("The payment gateway rejected the request. No charge was made.").
		WithReportableDetails(map[string]any{"response_code": resp.ResponseCode}).
		Mark(ierr.ErrGatewayUnavailable)
}
