package decline

import (
	"strings"
)

type Category string

const (
	CategoryDoNotHonor        Category = "do_not_honor"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryActivityLimit     Category = "activity_limit"
	CategoryExpiredCard       Category = "expired_card"
	CategoryInvalidCard       Category = "invalid_card"
	CategoryPickupCard        Category = "pickup_card"
	CategoryLostCard          Category = "lost_card"
	CategoryStolenCard        Category = "stolen_card"
	CategoryNotPermitted      Category = "not_permitted"
	CategoryFraudSuspected    Category = "fraud_suspected"
	CategoryRestrictedCard    Category = "restricted_card"
	CategoryInvalidIssuer     Category = "invalid_issuer"
	CategoryManualReview      Category = "manual_review"
	CategoryIssuerUnavailable Category = "issuer_unavailable"
	CategorySystemError       Category = "system_error"
	CategoryCVVMismatch       Category = "cvv_mismatch"
	CategoryStopPayment       Category = "stop_payment"
	CategoryUnknown           Category = "unknown"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action is what has to happen before the card can be charged successfully again.
type Action string

const (
	ActionNone               Action = "none"
	ActionRetryLater         Action = "retry_later"
	ActionUpdateCard         Action = "update_card"
	ActionContactIssuer      Action = "contact_issuer"
	ActionManualIntervention Action = "manual_intervention"
	ActionTerminate          Action = "terminate"
)

// Classification is the verdict for a single gateway decline.
type Classification struct {
	Code             string   `json:"code"`
	Category         Category `json:"category"`
	Severity         Severity `json:"severity"`
	RetryRecommended bool     `json:"retry_recommended"`
	ActionRequired   Action   `json:"action_required"`
	Description      string   `json:"description"`
}

// Terminal reports whether the decline ends the billing agreement.
func (c Classification) Terminal() bool {
	return c.ActionRequired == ActionTerminate
}

type rule struct {
	category Category
	severity Severity
	retry    bool
	action   Action
	desc     string
}

var rules = map[string]rule{
	"05": {CategoryDoNotHonor, SeverityMedium, true, ActionRetryLater, "Do not honor"},
	"51": {CategoryInsufficientFunds, SeverityLow, true, ActionRetryLater, "Insufficient funds"},
	"61": {CategoryActivityLimit, SeverityLow, true, ActionRetryLater, "Exceeds withdrawal amount limit"},
	"65": {CategoryActivityLimit, SeverityLow, true, ActionRetryLater, "Exceeds withdrawal frequency limit"},
	"91": {CategoryIssuerUnavailable, SeverityLow, true, ActionRetryLater, "Issuer or switch inoperative"},
	"96": {CategorySystemError, SeverityLow, true, ActionRetryLater, "System malfunction"},

	"04": {CategoryPickupCard, SeverityHigh, false, ActionUpdateCard, "Pick up card"},
	"07": {CategoryPickupCard, SeverityHigh, false, ActionUpdateCard, "Pick up card, special condition"},
	"14": {CategoryInvalidCard, SeverityHigh, false, ActionUpdateCard, "Invalid card number"},
	"15": {CategoryInvalidIssuer, SeverityHigh, false, ActionUpdateCard, "No such issuer"},
	"54": {CategoryExpiredCard, SeverityHigh, false, ActionUpdateCard, "Expired card"},
	"57": {CategoryNotPermitted, SeverityHigh, false, ActionContactIssuer, "Transaction not permitted to cardholder"},
	"62": {CategoryRestrictedCard, SeverityHigh, false, ActionContactIssuer, "Restricted card"},
	"N7": {CategoryCVVMismatch, SeverityHigh, false, ActionUpdateCard, "CVV2 mismatch"},
	"78": {CategoryManualReview, SeverityHigh, false, ActionManualIntervention, "Blocked, first used or no account"},
	"85": {CategoryManualReview, SeverityMedium, false, ActionManualIntervention, "Account verification required"},

	"41": {CategoryLostCard, SeverityHigh, false, ActionTerminate, "Lost card"},
	"43": {CategoryStolenCard, SeverityHigh, false, ActionTerminate, "Stolen card"},
	"59": {CategoryFraudSuspected, SeverityHigh, false, ActionTerminate, "Suspected fraud"},
	"R0": {CategoryStopPayment, SeverityHigh, false, ActionTerminate, "Stop payment order"},
	"R1": {CategoryStopPayment, SeverityHigh, false, ActionTerminate, "Revocation of authorization"},
	"R3": {CategoryStopPayment, SeverityHigh, false, ActionTerminate, "Revocation of all authorizations"},
}

// noRetry holds codes that are never retried, whatever the table verdict says.
var noRetry = map[string]struct{}{
	"04": {}, "07": {}, "14": {}, "15": {}, "41": {}, "43": {}, "54": {}, "57": {},
	"59": {}, "62": {}, "78": {}, "85": {}, "R0": {}, "R1": {}, "R3": {}, "N7": {},
}

// gateway-specific three digit codes mapped onto the network codes above
var aliases = map[string]string{
	"201": "05",
	"202": "51",
	"203": "61",
	"204": "57",
	"220": "14",
	"221": "15",
	"222": "14",
	"223": "54",
	"224": "54",
	"225": "N7",
	"240": "96",
	"250": "04",
	"251": "41",
	"252": "43",
	"253": "59",
	"260": "05",
	"261": "R1",
	"262": "R1",
	"263": "96",
	"264": "91",
}

// Classifier maps gateway response codes onto decline classifications.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the decline verdict for a code. Unknown codes are retried with caution.
func (c *Classifier) Classify(code, text string) Classification {
	normalized := Normalize(code)
	r, ok := rules[normalized]
	if !ok {
		desc := strings.TrimSpace(text)
		if desc == "" {
			desc = "Unrecognized decline"
		}
		return Classification{
			Code:             normalized,
			Category:         CategoryUnknown,
			Severity:         SeverityMedium,
			RetryRecommended: !c.IsNoRetry(normalized),
			ActionRequired:   ActionRetryLater,
			Description:      desc,
		}
	}
	return Classification{
		Code:             normalized,
		Category:         r.category,
		Severity:         r.severity,
		RetryRecommended: r.retry,
		ActionRequired:   r.action,
		Description:      r.desc,
	}
}

// IsNoRetry reports membership in the hard-failure list.
func (c *Classifier) IsNoRetry(code string) bool {
	_, ok := noRetry[Normalize(code)]
	return ok
}

// Normalize upper-cases a code and resolves gateway aliases to network codes.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if mapped, ok := aliases[code]; ok {
		return mapped
	}
	if len(code) == 1 && code[0] >= '0' && code[0] <= '9' {
		return "0" + code
	}
	return code
}
