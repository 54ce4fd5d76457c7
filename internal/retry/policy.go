package retry

import (
	"time"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/decline"
)

// Disposition is the subscription status a non-retried decline leads to.
type Disposition string

const (
	DispositionPastDue  Disposition = "past_due"
	DispositionCanceled Disposition = "canceled"
)

// Policy decides whether and when a declined subscription is charged again.
type Policy struct {
	maxRetries   int
	backoffHours []int
	classifier   *decline.Classifier
}

func NewPolicy(cfg config.DunningConfig, classifier *decline.Classifier) Policy {
	if classifier == nil {
		classifier = decline.NewClassifier()
	}
	return Policy{
		maxRetries:   cfg.MaxRetries,
		backoffHours: append([]int(nil), cfg.BackoffHours...),
		classifier:   classifier,
	}
}

func (p Policy) MaxRetries() int { return p.maxRetries }

// ShouldRetry is false once the retry budget is spent or the code is a hard failure.
func (p Policy) ShouldRetry(retries int, declineCode string) bool {
	if retries >= p.maxRetries {
		return false
	}
	return !p.classifier.IsNoRetry(declineCode)
}

// NextRetryTime returns now plus the backoff for the 1-based attempt. Attempts past the
// end of the table reuse the last entry.
func (p Policy) NextRetryTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Backoff(attempt))
}

func (p Policy) Backoff(attempt int) time.Duration {
	if len(p.backoffHours) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.backoffHours) {
		idx = len(p.backoffHours) - 1
	}
	return time.Duration(p.backoffHours[idx]) * time.Hour
}

// Decision is the outcome of a decline for the subscription state machine.
type Decision struct {
	Retry       bool
	Attempt     int
	NextAt      time.Time
	Disposition Disposition
}

// Decide combines the retry budget, the no-retry list and the classifier verdict.
func (p Policy) Decide(now time.Time, retries int, c decline.Classification) Decision {
	if c.RetryRecommended && p.ShouldRetry(retries, c.Code) {
		attempt := retries + 1
		return Decision{
			Retry:   true,
			Attempt: attempt,
			NextAt:  p.NextRetryTime(now, attempt),
		}
	}
	if c.Terminal() {
		return Decision{Disposition: DispositionCanceled}
	}
	return Decision{Disposition: DispositionPastDue}
}
