package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkedErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", NewError("amount required").Mark(ErrValidation), http.StatusBadRequest, ErrCodeValidation},
		{"state conflict", NewError("subscription not active").Mark(ErrStateConflict), http.StatusConflict, ErrCodeStateConflict},
		{"decline", NewError("declined").Mark(ErrGatewayDecline), http.StatusPaymentRequired, ErrCodeGatewayDecline},
		{"unavailable", WithError(stderrors.New("timeout")).Mark(ErrGatewayUnavailable), http.StatusServiceUnavailable, ErrCodeGatewayUnavailable},
		{"store", WithError(stderrors.New("disk full")).Mark(ErrStore), http.StatusInternalServerError, ErrCodeStore},
		{"unmarked", stderrors.New("boom"), http.StatusInternalServerError, ErrCodeSystemError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatusFromErr(tc.err))
			assert.Equal(t, tc.code, Code(tc.err))
		})
	}
}

func TestMarkSurvivesWrapping(t *testing.T) {
	err := NewError("subscription canceled").Mark(ErrStateConflict)
	wrapped := fmt.Errorf("charge recurring: %w", err)

	assert.True(t, IsStateConflict(wrapped))
	assert.False(t, IsValidation(wrapped))
}

func TestHint(t *testing.T) {
	err := NewError("bad month").WithHint("expiry month must be between 1 and 12").Mark(ErrValidation)
	assert.Equal(t, "expiry month must be between 1 and 12", Hint(err))
	assert.Equal(t, "", Hint(stderrors.New("plain")))
}
