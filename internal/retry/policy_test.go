package retry

import (
	"testing"
	"time"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/decline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return NewPolicy(config.DefaultDunningConfig(), decline.NewClassifier())
}

func TestShouldRetryNoRetryCodes(t *testing.T) {
	p := testPolicy()
	for _, code := range []string{"04", "07", "14", "15", "41", "43", "54", "57", "59", "62", "78", "85", "R0", "R1", "R3", "N7"} {
		for retries := 0; retries <= 3; retries++ {
			assert.False(t, p.ShouldRetry(retries, code), "code %s retries %d", code, retries)
		}
	}
}

func TestShouldRetryBudgetExhausted(t *testing.T) {
	p := testPolicy()
	for _, code := range []string{"05", "51", "91", "ZZ"} {
		assert.False(t, p.ShouldRetry(3, code), code)
		assert.True(t, p.ShouldRetry(2, code), code)
	}
}

func TestNextRetryTimeMonotonicThenFlat(t *testing.T) {
	p := testPolicy()
	prev := p.NextRetryTime(now, 1)
	assert.Equal(t, now.Add(12*time.Hour), prev)
	for attempt := 2; attempt <= 3; attempt++ {
		next := p.NextRetryTime(now, attempt)
		assert.True(t, next.After(prev), "attempt %d", attempt)
		prev = next
	}
	assert.Equal(t, now.Add(72*time.Hour), p.NextRetryTime(now, 3))
	assert.Equal(t, now.Add(72*time.Hour), p.NextRetryTime(now, 7))
}

func TestDecideInsufficientFundsOnLastRetry(t *testing.T) {
	p := testPolicy()
	c := decline.NewClassifier().Classify("51", "Insufficient funds")

	d := p.Decide(now, 2, c)
	require.True(t, d.Retry)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, now.Add(72*time.Hour), d.NextAt)
}

func TestDecideDispositions(t *testing.T) {
	p := testPolicy()
	classifier := decline.NewClassifier()

	expired := p.Decide(now, 0, classifier.Classify("54", ""))
	assert.False(t, expired.Retry)
	assert.Equal(t, DispositionPastDue, expired.Disposition)

	stolen := p.Decide(now, 0, classifier.Classify("43", ""))
	assert.Equal(t, DispositionCanceled, stolen.Disposition)

	exhausted := p.Decide(now, 3, classifier.Classify("05", ""))
	assert.False(t, exhausted.Retry)
	assert.Equal(t, DispositionPastDue, exhausted.Disposition)
}
