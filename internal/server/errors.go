package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
	"github.com/smallbiznis/rebill/internal/authorization"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

// envelope wraps every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorPayload struct {
	Type   string            `json:"type"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, message, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, envelope{Success: false, Message: message, Data: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: status < http.StatusBadRequest, Message: message, Data: data})
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, string, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, "internal server error", errorPayload{Type: ierr.ErrCodeSystemError}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, "validation error", errorPayload{
			Type:   ierr.ErrCodeValidation,
			Errors: vErr.Errors,
		}
	}

	if ierr.IsValidation(err) {
		return http.StatusBadRequest, messageOr(err, "validation error"), errorPayload{
			Type:   ierr.ErrCodeValidation,
			Errors: reportedFieldErrors(err),
		}
	}

	if isValidationError(err) {
		return http.StatusBadRequest, "validation error", errorPayload{
			Type: ierr.ErrCodeValidation,
			Errors: []ValidationError{
				{Code: err.Error(), Message: "invalid value"},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ierr.ErrUnauthorized),
		errors.Is(err, authorization.ErrUnknownAPIKey),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, "unauthorized", errorPayload{Type: ierr.ErrCodeUnauthorized}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ierr.ErrPermissionDenied),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, "forbidden", errorPayload{Type: ierr.ErrCodePermissionDenied}
	case isNotFoundError(err):
		return http.StatusNotFound, "not found", errorPayload{Type: ierr.ErrCodeNotFound}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ierr.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests", errorPayload{Type: ierr.ErrCodeRateLimited}
	case isStateConflictError(err):
		return http.StatusConflict, messageOr(err, stateConflictMessage(err)), errorPayload{Type: ierr.ErrCodeStateConflict}
	case errors.Is(err, ierr.ErrGatewayDecline):
		return http.StatusPaymentRequired, messageOr(err, "payment declined"), errorPayload{Type: ierr.ErrCodeGatewayDecline}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ierr.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, messageOr(err, "payment gateway unavailable"), errorPayload{Type: ierr.ErrCodeGatewayUnavailable}
	case errors.Is(err, ierr.ErrStore):
		return http.StatusInternalServerError, messageOr(err, "persistence failure"), errorPayload{Type: ierr.ErrCodeStore}
	default:
		return http.StatusInternalServerError, "internal server error", errorPayload{Type: ierr.ErrCodeSystemError}
	}
}

// messageOr prefers the user-facing hint attached to err.
func messageOr(err error, fallback string) string {
	if hint := ierr.Hint(err); hint != "" {
		return hint
	}
	return fallback
}

func reportedFieldErrors(err error) []ValidationError {
	details := ierr.ReportableDetails(err)
	if len(details) == 0 {
		return nil
	}
	fields := make([]string, 0, len(details))
	for field := range details {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make([]ValidationError, 0, len(fields))
	for _, field := range fields {
		out = append(out, ValidationError{
			Field:   field,
			Code:    fmt.Sprint(details[field]),
			Message: "invalid value",
		})
	}
	return out
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidCustomer),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidAmount),
		errors.Is(err, subscriptiondomain.ErrInvalidInterval),
		errors.Is(err, subscriptiondomain.ErrInvalidTargetStatus),
		errors.Is(err, transactiondomain.ErrInvalidTransaction),
		errors.Is(err, customerdomain.ErrInvalidEmail),
		errors.Is(err, customerdomain.ErrInvalidID),
		errors.Is(err, plandomain.ErrInvalidName),
		errors.Is(err, plandomain.ErrInvalidAmount),
		errors.Is(err, plandomain.ErrInvalidCurrency),
		errors.Is(err, plandomain.ErrInvalidInterval),
		errors.Is(err, plandomain.ErrInvalidRef),
		errors.Is(err, analyticsdomain.ErrInvalidRange),
		errors.Is(err, analyticsdomain.ErrInvalidBucket),
		errors.Is(err, analyticsdomain.ErrRangeTooLarge):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ierr.ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, plandomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, transactiondomain.ErrTransactionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isStateConflictError(err error) bool {
	switch {
	case errors.Is(err, ierr.ErrStateConflict),
		errors.Is(err, ierr.ErrAlreadyExists),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotBillable),
		errors.Is(err, subscriptiondomain.ErrMissingVaultToken),
		errors.Is(err, transactiondomain.ErrSubscriptionNotActive),
		errors.Is(err, transactiondomain.ErrMissingVaultToken),
		errors.Is(err, transactiondomain.ErrReconciliationPending),
		errors.Is(err, transactiondomain.ErrChargeInProgress),
		errors.Is(err, transactiondomain.ErrNotDue),
		errors.Is(err, transactiondomain.ErrPlanInactive),
		errors.Is(err, plandomain.ErrCodeTaken),
		errors.Is(err, plandomain.ErrInactive),
		errors.Is(err, vaultdomain.ErrIneligible),
		errors.Is(err, vaultdomain.ErrUpdaterDisabled),
		errors.Is(err, vaultdomain.ErrRefreshCooldown),
		errors.Is(err, vaultdomain.ErrMissingVaultToken),
		errors.Is(err, billingrundomain.ErrRunInProgress),
		errors.Is(err, ratelimit.ErrLockHeld):
		return true
	default:
		return false
	}
}

func stateConflictMessage(err error) string {
	switch {
	case errors.Is(err, transactiondomain.ErrReconciliationPending):
		return "a previous charge is awaiting reconciliation"
	case errors.Is(err, transactiondomain.ErrChargeInProgress),
		errors.Is(err, ratelimit.ErrLockHeld):
		return "a charge is already in progress for this subscription"
	case errors.Is(err, billingrundomain.ErrRunInProgress):
		return "a billing run is already in progress"
	default:
		return "operation not allowed in current state"
	}
}

func classifyErrorForLog(err error) (string, string) {
	_, _, payload := mapError(err)
	return payload.Type, ierr.Code(err)
}
