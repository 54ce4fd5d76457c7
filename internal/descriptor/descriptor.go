package descriptor

import (
	"strings"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/decline"
)

// Policy picks the statement descriptor for a charge attempt.
type Policy struct {
	cfg        config.DescriptorConfig
	maxRetries int
}

func NewPolicy(cfg config.DescriptorConfig, maxRetries int) Policy {
	return Policy{cfg: cfg, maxRetries: maxRetries}
}

// FromDunning builds the policy from the active dunning config.
func FromDunning(cfg config.DunningConfig) Policy {
	return NewPolicy(cfg.Descriptor, cfg.MaxRetries)
}

// Select returns the descriptor for the given retry attempt (0 for the regular charge)
// and the category of the decline that caused it. brand is accepted for per-network
// overrides and currently ignored.
func (p Policy) Select(attempt int, category decline.Category, brand string) string {
	return Compose(p.cfg.Base, p.Suffix(attempt, category))
}

// Suffix returns the suffix appended to the base descriptor for the attempt.
func (p Policy) Suffix(attempt int, category decline.Category) string {
	if attempt >= 1 && attempt >= p.maxRetries-1 {
		return p.cfg.RenewalSuffix
	}
	switch category {
	case decline.CategoryDoNotHonor, decline.CategoryActivityLimit:
		return p.cfg.BillingSuffix
	case decline.CategoryInsufficientFunds:
		return p.cfg.FundsSuffix
	default:
		return ""
	}
}

// Compose joins base and suffix, cutting the base so the result fits the network limit.
func Compose(base, suffix string) string {
	suffixRunes := []rune(suffix)
	if len(suffixRunes) >= config.DescriptorNetworkLimit {
		suffixRunes = suffixRunes[:config.DescriptorNetworkLimit]
		return strings.TrimSpace(string(suffixRunes))
	}
	room := config.DescriptorNetworkLimit - len(suffixRunes)
	baseRunes := []rune(strings.TrimSpace(base))
	if len(baseRunes) > room {
		baseRunes = baseRunes[:room]
	}
	trimmedBase := strings.TrimRight(string(baseRunes), " ")
	return trimmedBase + suffix
}
