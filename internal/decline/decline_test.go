package decline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKnownCodes(t *testing.T) {
	c := NewClassifier()
	cases := []struct {
		code     string
		category Category
		severity Severity
		retry    bool
		action   Action
	}{
		{"51", CategoryInsufficientFunds, SeverityLow, true, ActionRetryLater},
		{"05", CategoryDoNotHonor, SeverityMedium, true, ActionRetryLater},
		{"54", CategoryExpiredCard, SeverityHigh, false, ActionUpdateCard},
		{"78", CategoryManualReview, SeverityHigh, false, ActionManualIntervention},
		{"85", CategoryManualReview, SeverityMedium, false, ActionManualIntervention},
		{"59", CategoryFraudSuspected, SeverityHigh, false, ActionTerminate},
		{"n7", CategoryCVVMismatch, SeverityHigh, false, ActionUpdateCard},
		{"202", CategoryInsufficientFunds, SeverityLow, true, ActionRetryLater},
		{"223", CategoryExpiredCard, SeverityHigh, false, ActionUpdateCard},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			got := c.Classify(tc.code, "")
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.severity, got.Severity)
			assert.Equal(t, tc.retry, got.RetryRecommended)
			assert.Equal(t, tc.action, got.ActionRequired)
		})
	}
}

func TestClassifyUnknownFallsBackToCautiousRetry(t *testing.T) {
	got := NewClassifier().Classify("Z9", "Something odd")
	assert.Equal(t, CategoryUnknown, got.Category)
	assert.Equal(t, SeverityMedium, got.Severity)
	assert.True(t, got.RetryRecommended)
	assert.Equal(t, "Something odd", got.Description)
}

func TestNoRetryListOverridesTable(t *testing.T) {
	c := NewClassifier()
	for code := range noRetry {
		assert.True(t, c.IsNoRetry(code), code)
		assert.False(t, c.Classify(code, "").RetryRecommended, code)
	}
	assert.False(t, c.IsNoRetry("51"))
	assert.True(t, c.IsNoRetry("251"))
}

func TestTerminal(t *testing.T) {
	c := NewClassifier()
	assert.True(t, c.Classify("43", "").Terminal())
	assert.True(t, c.Classify("R1", "").Terminal())
	assert.False(t, c.Classify("54", "").Terminal())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "05", Normalize("5"))
	assert.Equal(t, "R0", Normalize(" r0 "))
	assert.Equal(t, "91", Normalize("264"))
}
