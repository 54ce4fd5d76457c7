package tracing

import (
	"context"
	"errors"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"card_number":    {},
	"cvv":            {},
	"vault_token":    {},
	"network_token":  {},
	"customer_email": {},
	"authorization":  {},
}

// digit runs long enough to be a PAN
var panPattern = regexp.MustCompile(`\d{12,19}`)

// ExtractContext reads propagated trace headers into ctx.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that could carry card or customer data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns err with any card-number-like digit runs masked.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	masked := panPattern.ReplaceAllString(msg, "[redacted]")
	if masked == msg {
		return err
	}
	return errors.New(masked)
}
