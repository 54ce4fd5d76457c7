package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinels for the billing error taxonomy. Mark concrete errors with one of these.
var (
	ErrValidation         = new(ErrCodeValidation, "validation error")
	ErrNotFound           = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists      = new(ErrCodeAlreadyExists, "resource already exists")
	ErrStateConflict      = new(ErrCodeStateConflict, "operation not allowed in current state")
	ErrGatewayDecline     = new(ErrCodeGatewayDecline, "payment declined")
	ErrGatewayUnavailable = new(ErrCodeGatewayUnavailable, "payment gateway unavailable")
	ErrStore              = new(ErrCodeStore, "persistence failure")
	ErrUnauthorized       = new(ErrCodeUnauthorized, "unauthorized")
	ErrPermissionDenied   = new(ErrCodePermissionDenied, "permission denied")
	ErrRateLimited        = new(ErrCodeRateLimited, "too many requests")
	ErrSystem             = new(ErrCodeSystemError, "system error")

	statusCodeMap = map[error]int{
		ErrValidation:         http.StatusBadRequest,
		ErrNotFound:           http.StatusNotFound,
		ErrAlreadyExists:      http.StatusConflict,
		ErrStateConflict:      http.StatusConflict,
		ErrGatewayDecline:     http.StatusPaymentRequired,
		ErrGatewayUnavailable: http.StatusServiceUnavailable,
		ErrStore:              http.StatusInternalServerError,
		ErrUnauthorized:       http.StatusUnauthorized,
		ErrPermissionDenied:   http.StatusForbidden,
		ErrRateLimited:        http.StatusTooManyRequests,
		ErrSystem:             http.StatusInternalServerError,
	}
)

const (
	ErrCodeValidation         = "validation_error"
	ErrCodeNotFound           = "not_found"
	ErrCodeAlreadyExists      = "already_exists"
	ErrCodeStateConflict      = "state_conflict"
	ErrCodeGatewayDecline     = "gateway_decline"
	ErrCodeGatewayUnavailable = "gateway_unavailable"
	ErrCodeStore              = "store_error"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodePermissionDenied   = "permission_denied"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeSystemError        = "system_error"
)

// InternalError is a taxonomy sentinel.
type InternalError struct {
	Code    string
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}
	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}
	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Is(err, reference error) bool {
	return errors.Is(err, reference)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

func IsGatewayDecline(err error) bool {
	return errors.Is(err, ErrGatewayDecline)
}

func IsGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}

// Code returns the taxonomy code for err, or system_error when unmarked.
func Code(err error) string {
	for sentinel := range statusCodeMap {
		if errors.Is(err, sentinel) {
			return sentinel.(*InternalError).Code
		}
	}
	return ErrCodeSystemError
}

func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Hint returns the first user-facing hint attached to err.
func Hint(err error) string {
	hints := errors.GetAllHints(err)
	if len(hints) == 0 {
		return ""
	}
	return hints[0]
}
