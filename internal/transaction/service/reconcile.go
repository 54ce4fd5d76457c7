package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/rebill/internal/events"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconcile asks the gateway what happened to charges whose outcome was never
// observed and applies the answer to the subscription.
func (p *Processor) Reconcile(ctx context.Context, limit int) (transactiondomain.ReconcileSummary, error) {
	ctx, span := p.tracer.Start(ctx, "transaction.reconcile")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	var summary transactiondomain.ReconcileSummary
	items, err := p.repo.ListPendingReconciliations(ctx, p.db, limit)
	if err != nil {
		return summary, err
	}

	for _, rec := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		log := p.log.With(
			zap.String("reconciliation_id", rec.ID.String()),
			zap.String("order_ref", rec.OrderRef),
		)

		query, err := p.gateway.QueryByOrderRef(ctx, rec.OrderRef)
		if err != nil {
			summary.Unresolved++
			if ferr := p.repo.RecordReconciliationFailure(ctx, p.db, rec.ID, tracing.SafeError(err).Error(), p.clock.Now()); ferr != nil {
				log.Warn("record reconciliation failure failed", zap.Error(ferr))
			}
			log.Warn("gateway query failed, reconciliation stays pending", zap.Error(err))
			continue
		}

		outcome, err := p.resolve(ctx, rec, query)
		if err != nil {
			summary.Unresolved++
			log.Error("resolve reconciliation failed", zap.Error(err))
			continue
		}

		switch outcome {
		case transactiondomain.OutcomeApproved, transactiondomain.OutcomeApprovedUnlinked:
			summary.Approved++
		case transactiondomain.OutcomeDeclined:
			summary.Declined++
		default:
			summary.NotCharged++
		}
		log.Info("reconciliation resolved", zap.String("outcome", outcome))
	}

	return summary, nil
}

func (p *Processor) resolve(ctx context.Context, rec transactiondomain.Reconciliation, query gatewaydomain.QueryResult) (string, error) {
	txn, err := p.repo.FindByID(ctx, p.db, rec.TransactionID)
	if err != nil {
		return "", err
	}
	if txn == nil {
		return "", transactiondomain.ErrTransactionNotFound
	}

	resp := query.Response
	outcome := transactiondomain.OutcomeNotCharged
	switch {
	case !query.Found:
	case resp.Approved():
		outcome = transactiondomain.OutcomeApproved
		if rec.SubscriptionID == nil {
			outcome = transactiondomain.OutcomeApprovedUnlinked
		}
	case resp.Declined():
		outcome = transactiondomain.OutcomeDeclined
	}

	resolved := *txn
	resolved.ResponseCode = resp.ResponseCode
	resolved.ResponseText = resp.ResponseText
	resolved.AuthCode = resp.AuthCode
	switch outcome {
	case transactiondomain.OutcomeApproved, transactiondomain.OutcomeApprovedUnlinked:
		resolved.Status = transactiondomain.StatusApproved
	case transactiondomain.OutcomeDeclined:
		resolved.Status = transactiondomain.StatusDeclined
		resolved.DeclineCategory = string(p.classifier.Classify(resp.ResponseCode, resp.ResponseText).Category)
	}

	err = p.persist(ctx, func(tx *gorm.DB) error {
		if err := p.applyResolution(ctx, tx, rec, resolved, outcome); err != nil {
			return err
		}
		if resp.TransactionID != "" {
			gatewayTxnID := resp.TransactionID
			rec.GatewayTxnID = &gatewayTxnID
		}
		now := p.clock.Now()
		rec.Outcome = outcome
		rec.ResponseCode = resp.ResponseCode
		rec.ResponseText = resp.ResponseText
		rec.ResolvedAt = &now
		rec.UpdatedAt = now
		return p.repo.ResolveReconciliation(ctx, tx, &rec)
	})
	if err != nil {
		return "", err
	}

	if outcome == transactiondomain.OutcomeApprovedUnlinked {
		p.log.Warn("initial charge approved after timeout, no subscription exists for it",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("customer_id", txn.CustomerID.String()),
		)
	}
	return outcome, nil
}

// applyResolution drives the subscription the same way a synchronous reply would
// have. The transaction row stays as written; the resolved copy only feeds events.
func (p *Processor) applyResolution(ctx context.Context, tx *gorm.DB, rec transactiondomain.Reconciliation, resolved transactiondomain.Transaction, outcome string) error {
	source := resolved.ID.String()

	var err error
	switch outcome {
	case transactiondomain.OutcomeApproved:
		_, err = p.lifecycle.ApplyApproval(ctx, tx, *rec.SubscriptionID, subscriptiondomain.ApprovalInput{Source: source})
	case transactiondomain.OutcomeDeclined:
		if rec.SubscriptionID != nil {
			classification := p.classifier.Classify(resolved.ResponseCode, resolved.ResponseText)
			_, err = p.lifecycle.ApplyDecline(ctx, tx, *rec.SubscriptionID, subscriptiondomain.DeclineInput{
				Classification: classification,
				Source:         source,
			})
		}
	case transactiondomain.OutcomeNotCharged:
		return nil
	}
	if err != nil && !errors.Is(err, subscriptiondomain.ErrSubscriptionNotBillable) {
		return err
	}

	eventType := events.EventTransactionApproved
	if resolved.Status == transactiondomain.StatusDeclined {
		eventType = events.EventTransactionDeclined
	}
	payload := transactionPayload(resolved)
	payload["reconciled"] = true
	return p.outbox.Publish(ctx, tx, eventType, payload, events.DedupeKey(eventType, source))
}
