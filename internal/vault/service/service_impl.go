package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/internal/validator"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      subscriptiondomain.Repository
	Lifecycle subscriptiondomain.Lifecycle
	Gateway   gatewaydomain.Gateway
	Dunning   *config.DunningConfigHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock     clock.Clock
	repo      subscriptiondomain.Repository
	lifecycle subscriptiondomain.Lifecycle
	gateway   gatewaydomain.Gateway
	dunning   *config.DunningConfigHolder
}

func New(p Params) vaultdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("vault.service"),

		clock:     p.Clock,
		repo:      p.Repo,
		lifecycle: p.Lifecycle,
		gateway:   p.Gateway,
		dunning:   p.Dunning,
	}
}

func (s *Service) EnableNetworkTokenization(ctx context.Context, subscriptionID string) (vaultdomain.TokenizationResult, error) {
	subscription, err := s.vaulted(ctx, subscriptionID)
	if err != nil {
		return vaultdomain.TokenizationResult{}, err
	}

	cfg := s.dunning.Get()
	if !Eligible(subscription.CardBrand, subscription.CardBIN, cfg) {
		return vaultdomain.TokenizationResult{}, ierr.WithError(vaultdomain.ErrIneligible).
			WithHintf("Card brand %q is not eligible for network tokenization", subscription.CardBrand).
			Mark(ierr.ErrStateConflict)
	}

	token, err := s.gateway.EnableNetworkToken(ctx, subscription.VaultToken)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrTokenizationDenied) {
			return vaultdomain.TokenizationResult{}, ierr.WithError(vaultdomain.ErrIneligible).
				WithHint("The card network declined tokenization").
				Mark(ierr.ErrStateConflict)
		}
		return vaultdomain.TokenizationResult{}, err
	}

	if err := s.repo.UpdateNetworkToken(ctx, s.db, subscription.ID, token.Token, s.clock.Now()); err != nil {
		return vaultdomain.TokenizationResult{}, err
	}

	logger.WithSubscription(s.log, subscription.ID.String()).Info("network token enabled",
		zap.String("card_brand", subscription.CardBrand),
	)
	return vaultdomain.TokenizationResult{
		SubscriptionID: subscription.ID.String(),
		Enabled:        true,
		Cryptogram:     token.Cryptogram,
	}, nil
}

// RequestCredentialRefresh asks the gateway's account updater for a newer card.
// "No update available" is a successful result with Updated=false.
func (s *Service) RequestCredentialRefresh(ctx context.Context, subscriptionID string) (vaultdomain.RefreshResult, error) {
	subscription, err := s.vaulted(ctx, subscriptionID)
	if err != nil {
		return vaultdomain.RefreshResult{}, err
	}
	if !subscription.AutoCardUpdaterEnabled {
		return vaultdomain.RefreshResult{}, vaultdomain.ErrUpdaterDisabled
	}

	now := s.clock.Now()
	cooldown := s.dunning.Get().Vault.RefreshCooldown
	if subscription.CardRefreshedAt != nil && now.Sub(*subscription.CardRefreshedAt) < cooldown {
		return vaultdomain.RefreshResult{}, vaultdomain.ErrRefreshCooldown
	}

	log := logger.WithSubscription(s.log, subscription.ID.String())

	refreshed, err := s.gateway.RefreshCredential(ctx, subscription.VaultToken)
	if err != nil {
		return vaultdomain.RefreshResult{}, err
	}

	result := vaultdomain.RefreshResult{
		SubscriptionID: subscription.ID.String(),
		Card:           cardSummary(subscription),
	}
	if !refreshed.Updated {
		if err := s.repo.MarkCardRefreshed(ctx, s.db, subscription.ID, now); err != nil {
			return vaultdomain.RefreshResult{}, err
		}
		log.Info("card updater has no update")
		return result, nil
	}

	card := mergeCard(subscription, refreshed.Card)
	if _, err := s.lifecycle.ApplyCredentialUpdate(ctx, nil, subscription.ID, subscriptiondomain.CredentialUpdate{
		Card:      card,
		Refreshed: true,
	}); err != nil {
		return vaultdomain.RefreshResult{}, err
	}

	log.Info("card refreshed by updater",
		zap.String("card_last4", card.Last4),
		zap.Int("card_exp_month", card.ExpMonth),
		zap.Int("card_exp_year", card.ExpYear),
	)
	result.Updated = true
	result.Card = gatewaydomain.CardSummary{
		BIN:      card.BIN,
		Last4:    card.Last4,
		Brand:    card.Brand,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
	}
	return result, nil
}

// UpdateCredential replaces the card behind the vault token with one the customer supplied.
func (s *Service) UpdateCredential(ctx context.Context, req vaultdomain.UpdateCredentialRequest) (subscriptiondomain.Subscription, error) {
	if err := validator.ValidateRequest(req); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	subscription, err := s.vaulted(ctx, req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	resp, err := s.gateway.UpdateVaultCustomer(ctx, subscription.VaultToken, req.Card)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if !resp.Approved() {
		return subscriptiondomain.Subscription{}, ierr.WithError(vaultdomain.ErrCredentialRejected).
			WithHintf("The gateway rejected the card update: %s", resp.ResponseText).
			Mark(ierr.ErrValidation)
	}

	summary := req.Card.Summary()
	token := lo.Ternary(resp.VaultToken != "", resp.VaultToken, subscription.VaultToken)
	updated, err := s.lifecycle.ApplyCredentialUpdate(ctx, nil, subscription.ID, subscriptiondomain.CredentialUpdate{
		Card: subscriptiondomain.CardDetails{
			VaultToken: token,
			BIN:        summary.BIN,
			Last4:      summary.Last4,
			Brand:      summary.Brand,
			ExpMonth:   summary.ExpMonth,
			ExpYear:    summary.ExpYear,
		},
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	logger.WithSubscription(s.log, subscription.ID.String()).Info("credential updated",
		zap.String("card_bin", summary.BIN),
		zap.String("card_last4", summary.Last4),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// RefreshSweep runs the card updater for cards inside the expiry look-ahead window.
func (s *Service) RefreshSweep(ctx context.Context, limit int) (vaultdomain.SweepSummary, error) {
	cfg := s.dunning.Get()
	if limit <= 0 {
		limit = cfg.BillingRun.BatchSize
	}
	now := s.clock.Now()
	cutoff := monthIndex(now.Year(), int(now.Month())) + cfg.Vault.NearExpiryMonths

	var summary vaultdomain.SweepSummary
	candidates, err := s.repo.ListRefreshCandidates(ctx, s.db, cutoff, now.Add(-cfg.Vault.RefreshCooldown), limit)
	if err != nil {
		return summary, err
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++
		if !s.IsNearExpiry(candidate.CardExpMonth, candidate.CardExpYear, now, cfg.Vault.NearExpiryMonths) {
			summary.Skipped++
			continue
		}

		result, err := s.RequestCredentialRefresh(ctx, candidate.ID.String())
		switch {
		case err == nil:
			summary.Refreshed++
			if result.Updated {
				summary.Updated++
			}
		case errors.Is(err, vaultdomain.ErrRefreshCooldown), errors.Is(err, vaultdomain.ErrUpdaterDisabled):
			summary.Skipped++
		default:
			summary.Failed++
			logger.WithSubscription(s.log, candidate.ID.String()).Warn("card refresh failed", zap.Error(err))
		}
	}

	s.log.Info("card refresh sweep finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// IsNearExpiry reports whether the card expires within lookahead months of now.
// Cards that already expired count as near expiry.
func (s *Service) IsNearExpiry(month, year int, now time.Time, lookahead int) bool {
	return IsNearExpiry(month, year, now, lookahead)
}

func IsNearExpiry(month, year int, now time.Time, lookahead int) bool {
	if month < 1 || month > 12 || year <= 0 {
		return false
	}
	return monthIndex(year, month)-monthIndex(now.Year(), int(now.Month())) <= lookahead
}

// Eligible is the network tokenization policy. The unsupported BIN list belongs to
// gateway test mode and is ignored outside it.
func Eligible(brand, bin string, cfg config.DunningConfig) bool {
	brand = strings.ToLower(strings.TrimSpace(brand))
	if !lo.ContainsBy(cfg.Vault.TokenizationBrands, func(b string) bool {
		return strings.EqualFold(strings.TrimSpace(b), brand)
	}) {
		return false
	}
	if cfg.GatewayTestMode.Enabled && lo.Contains(cfg.GatewayTestMode.UnsupportedBINs, gatewaydomain.BIN(bin)) {
		return false
	}
	return true
}

// vaulted loads a subscription that still has a usable vault reference.
func (s *Service) vaulted(ctx context.Context, subscriptionID string) (subscriptiondomain.Subscription, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil || id == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.lifecycle.Get(ctx, id.String())
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotBillable
	}
	if strings.TrimSpace(subscription.VaultToken) == "" {
		return subscriptiondomain.Subscription{}, vaultdomain.ErrMissingVaultToken
	}
	return subscription, nil
}

func monthIndex(year, month int) int {
	return year*12 + month
}

func cardSummary(subscription subscriptiondomain.Subscription) gatewaydomain.CardSummary {
	return gatewaydomain.CardSummary{
		BIN:      subscription.CardBIN,
		Last4:    subscription.CardLast4,
		Brand:    subscription.CardBrand,
		ExpMonth: subscription.CardExpMonth,
		ExpYear:  subscription.CardExpYear,
	}
}

// mergeCard overlays the updater's answer on the stored card. Updaters often send
// only the fields that changed.
func mergeCard(subscription subscriptiondomain.Subscription, card gatewaydomain.CardSummary) subscriptiondomain.CardDetails {
	out := subscriptiondomain.CardDetails{
		VaultToken: subscription.VaultToken,
		BIN:        lo.Ternary(card.BIN != "", card.BIN, subscription.CardBIN),
		Last4:      lo.Ternary(card.Last4 != "", card.Last4, subscription.CardLast4),
		Brand:      card.Brand,
		ExpMonth:   lo.Ternary(card.ExpMonth != 0, card.ExpMonth, subscription.CardExpMonth),
		ExpYear:    lo.Ternary(card.ExpYear != 0, card.ExpYear, subscription.CardExpYear),
	}
	if out.Brand == "" {
		out.Brand = lo.Ternary(card.BIN != "", gatewaydomain.BrandFromBIN(card.BIN), subscription.CardBrand)
	}
	return out
}
