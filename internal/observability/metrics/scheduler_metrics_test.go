package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	ierr "github.com/smallbiznis/rebill/internal/errors"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "gateway_unavailable", err: fmt.Errorf("charge: %w", ierr.ErrGatewayUnavailable), want: SchedulerJobReasonGatewayUnavailable},
		{name: "store", err: ierr.ErrStore, want: SchedulerJobReasonStore},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(ierr.ErrGatewayUnavailable) {
		t.Fatalf("expected gateway outage to be retryable")
	}
	if IsSchedulerErrorRetryable(ierr.ErrValidation) {
		t.Fatalf("expected validation error to be terminal")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "rebill",
		Environment: "test",
	})

	metrics.AddBatchProcessed("billing_run", "subscriptions", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("billing_run", "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestSubscriptionTransitionSkipsSelfTransitions(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{Environment: "test"})

	metrics.IncSubscriptionTransition("active", "active")
	metrics.IncSubscriptionTransition("active", "past_due")

	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("active", "past_due")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("active", "active")); got != 0 {
		t.Fatalf("expected self transition to be ignored, got %v", got)
	}
}
