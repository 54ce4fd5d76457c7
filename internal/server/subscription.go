package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
)

const (
	chargeTriggerManual     = "manual"
	subscriptionHistorySize = 20
)

type declineResponse struct {
	Transaction transactiondomain.Transaction    `json:"transaction"`
	Decline     *transactiondomain.DeclineDetail `json:"decline"`
}

type pendingResponse struct {
	Transaction transactiondomain.Transaction `json:"transaction"`
	Outcome     transactiondomain.Outcome     `json:"outcome"`
}

type subscriptionView struct {
	Subscription subscriptiondomain.Subscription    `json:"subscription"`
	Retries      []subscriptiondomain.RetrySchedule `json:"retries"`
	Transactions []transactiondomain.Transaction    `json:"transactions"`
}

// CreateSubscription runs the customer-initiated first charge. A subscription exists
// only when that charge is approved.
func (s *Server) CreateSubscription(c *gin.Context) {
	var req transactiondomain.ChargeInitialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.PlanRef = strings.TrimSpace(req.PlanRef)

	result, err := s.processor.ChargeInitial(c.Request.Context(), req)
	if err != nil {
		s.abortCharge(c, err, result.Transaction, result.Outcome)
		return
	}

	switch {
	case result.Outcome == transactiondomain.OutcomeKindDeclined:
		respond(c, http.StatusPaymentRequired, "payment declined", declineResponse{
			Transaction: result.Transaction,
			Decline:     result.Decline,
		})
	case result.Subscription == nil:
		respond(c, http.StatusOK, "charge approved but no vault token was issued, subscription not created", result)
	default:
		respond(c, http.StatusCreated, "subscription created", result)
	}
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	item, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	retries, err := s.lifecycle.ListRetries(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	transactions, err := s.processor.ListBySubscription(ctx, id, subscriptionHistorySize)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, "", subscriptionView{
		Subscription: item,
		Retries:      retries,
		Transactions: transactions,
	})
}

// ChargeSubscription triggers one merchant-initiated charge outside the billing run.
func (s *Server) ChargeSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	result, err := s.processor.ChargeRecurring(c.Request.Context(), transactiondomain.ChargeRecurringRequest{
		SubscriptionID: id,
		Trigger:        chargeTriggerManual,
	})
	if err != nil {
		s.abortCharge(c, err, result.Transaction, result.Outcome)
		return
	}

	if result.Outcome == transactiondomain.OutcomeKindDeclined {
		respond(c, http.StatusPaymentRequired, "payment declined", declineResponse{
			Transaction: result.Transaction,
			Decline:     result.Decline,
		})
		return
	}
	respond(c, http.StatusOK, "charge approved", result)
}

// abortCharge reports a failed charge. When a transaction was recorded the caller
// gets it back so the attempt can be traced.
func (s *Server) abortCharge(c *gin.Context, err error, txn transactiondomain.Transaction, outcome transactiondomain.Outcome) {
	if txn.ID == 0 || !ierr.IsGatewayUnavailable(err) {
		AbortWithError(c, err)
		return
	}
	_ = c.Error(err)
	status, message, _ := mapError(err)
	respond(c, status, message, pendingResponse{Transaction: txn, Outcome: outcome})
	c.Abort()
}

func (s *Server) PauseSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.lifecycle.Pause, "subscription paused")
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.lifecycle.Resume, "subscription resumed")
}

func (s *Server) CancelSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.lifecycle.Cancel, "subscription canceled")
}

func (s *Server) transitionSubscription(
	c *gin.Context,
	transition func(ctx context.Context, id string) (subscriptiondomain.Subscription, error),
	message string,
) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	item, err := transition(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, message, item)
}

func (s *Server) UpdateCredential(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	var req vaultdomain.UpdateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = id

	item, err := s.vaultSvc.UpdateCredential(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, "credential updated", item)
}

func (s *Server) EnableNetworkToken(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	result, err := s.vaultSvc.EnableNetworkTokenization(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, "network token enabled", result)
}

func (s *Server) RequestCredentialRefresh(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	result, err := s.vaultSvc.RequestCredentialRefresh(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	message := "no card update available"
	if result.Updated {
		message = "card details refreshed"
	}
	respond(c, http.StatusOK, message, result)
}

func subscriptionIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return "", false
	}
	return id, true
}
