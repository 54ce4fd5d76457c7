package validator

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	ierr "github.com/smallbiznis/rebill/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("cardnumber", validateCardNumber)
	})
	return validate
}

// ValidateRequest validates struct tags and marks failures as validation errors.
func ValidateRequest(req any) error {
	if err := get().Struct(req); err != nil {
		details := make(map[string]any)
		var validateErrs validator.ValidationErrors
		if ierr.As(err, &validateErrs) {
			for _, fieldErr := range validateErrs {
				details[strings.ToLower(fieldErr.Field())] = fieldErr.Tag()
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(details).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// validateCardNumber applies a length and Luhn check to a PAN.
func validateCardNumber(fl validator.FieldLevel) bool {
	return LuhnValid(fl.Field().String())
}

func LuhnValid(number string) bool {
	number = strings.ReplaceAll(strings.TrimSpace(number), " ", "")
	if len(number) < 12 || len(number) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
