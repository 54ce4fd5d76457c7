package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("category", "insufficient_funds"),
		attribute.String("subscription_id", "456"),
		attribute.String("customer_email", "a@b.c"),
		attribute.String("initiator", "mit"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "subscription_id" || attr.Key == "customer_email" {
			t.Fatalf("unexpected label %s retained", attr.Key)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordChargeAttempt(ctx, "mit", "approved")
	m.RecordDecline(ctx, "do_not_honor", true)
	m.RecordRetryScheduled(ctx, 1)
	m.ObserveGatewayLatency(ctx, "nmi", time.Second)
	m.RecordRateLimitDenied(ctx, "/v1/charges", "bucket_empty")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordChargeAttempt(context.Background(), "cit", "declined")
}
