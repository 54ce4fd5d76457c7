package errors

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrorBuilder assembles an error fluently. Mark must be the last call.
type ErrorBuilder struct {
	err error
}

func NewError(msg string) *ErrorBuilder {
	return &ErrorBuilder{err: errors.New(msg)}
}

func WithError(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// WithMessage adds internal context.
func (b *ErrorBuilder) WithMessage(msg string) *ErrorBuilder {
	b.err = errors.WithMessage(b.err, msg)
	return b
}

// WithHint adds a message that is safe to show to API callers.
func (b *ErrorBuilder) WithHint(hint string) *ErrorBuilder {
	b.err = errors.WithHint(b.err, hint)
	return b
}

func (b *ErrorBuilder) WithHintf(format string, args ...any) *ErrorBuilder {
	b.err = errors.WithHintf(b.err, format, args...)
	return b
}

func (b *ErrorBuilder) WithReportableDetails(details map[string]any) *ErrorBuilder {
	marshaled, err := json.Marshal(details)
	if err != nil {
		return b
	}
	b.err = errors.WithSafeDetails(b.err, detailsPrefix+"%s", errors.Safe(string(marshaled)))
	return b
}

func (b *ErrorBuilder) Mark(reference error) error {
	b.err = errors.Mark(b.err, reference)
	return b.err
}

func (b *ErrorBuilder) Error() error {
	return b.err
}

const detailsPrefix = "__json__:"

// ReportableDetails returns the structured details attached with WithReportableDetails.
func ReportableDetails(err error) map[string]any {
	out := map[string]any{}
	for _, payload := range errors.GetAllSafeDetails(err) {
		for _, detail := range payload.SafeDetails {
			if !strings.HasPrefix(detail, detailsPrefix) {
				continue
			}
			var parsed map[string]any
			if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(detail, detailsPrefix)), &parsed); jsonErr != nil {
				continue
			}
			for k, v := range parsed {
				out[k] = v
			}
		}
	}
	return out
}
