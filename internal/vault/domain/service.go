package domain

import (
	"context"
	"errors"
	"time"

	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
)

type TokenizationResult struct {
	SubscriptionID string `json:"subscription_id"`
	Enabled        bool   `json:"enabled"`
	// Cryptogram is returned to the caller once and never stored.
	Cryptogram string `json:"cryptogram,omitempty"`
}

type RefreshResult struct {
	SubscriptionID string                    `json:"subscription_id"`
	Updated        bool                      `json:"updated"`
	Card           gatewaydomain.CardSummary `json:"card"`
}

type UpdateCredentialRequest struct {
	SubscriptionID string                   `json:"-"`
	Card           gatewaydomain.Credential `json:"card" validate:"required"`
}

type SweepSummary struct {
	Scanned   int `json:"scanned"`
	Refreshed int `json:"refreshed"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type Service interface {
	EnableNetworkTokenization(ctx context.Context, subscriptionID string) (TokenizationResult, error)
	RequestCredentialRefresh(ctx context.Context, subscriptionID string) (RefreshResult, error)
	UpdateCredential(ctx context.Context, req UpdateCredentialRequest) (subscriptiondomain.Subscription, error)
	RefreshSweep(ctx context.Context, limit int) (SweepSummary, error)
	IsNearExpiry(month, year int, now time.Time, lookahead int) bool
}

var (
	ErrIneligible         = errors.New("network_token_ineligible")
	ErrUpdaterDisabled    = errors.New("card_updater_disabled")
	ErrRefreshCooldown    = errors.New("card_refresh_cooldown")
	ErrMissingVaultToken  = errors.New("missing_vault_token")
	ErrCredentialRejected = errors.New("credential_rejected")
)
