package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	calls []string
}

func (r *recorder) add(name string) { r.calls = append(r.calls, name) }

type fakeBillingRun struct {
	rec     *recorder
	summary billingrundomain.Summary
	err     error
}

func (f *fakeBillingRun) RunDueSubscriptions(ctx context.Context) (billingrundomain.Summary, error) {
	f.rec.add(JobBillingRun)
	return f.summary, f.err
}

func (f *fakeBillingRun) RunDueRetries(ctx context.Context) (billingrundomain.Summary, error) {
	f.rec.add(JobRetryRun)
	return f.summary, f.err
}

type fakeReconciler struct {
	rec   *recorder
	limit int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, limit int) (transactiondomain.ReconcileSummary, error) {
	f.rec.add(JobReconcileUnknown)
	f.limit = limit
	return transactiondomain.ReconcileSummary{Total: 2, Approved: 1, Unresolved: 1}, nil
}

type fakeRefresher struct {
	rec *recorder
	err error
}

func (f *fakeRefresher) RefreshSweep(ctx context.Context, limit int) (vaultdomain.SweepSummary, error) {
	f.rec.add(JobCardRefreshSweep)
	return vaultdomain.SweepSummary{Scanned: 3, Refreshed: 3, Updated: 1}, f.err
}

type fakeRollup struct {
	rec *recorder
	err error
}

func (f *fakeRollup) ProcessPending(ctx context.Context, limit int) error {
	f.rec.add(JobInsightRollup)
	return f.err
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *recorder, *fakeBillingRun, *fakeRollup) {
	t.Helper()
	obsmetrics.ResetSchedulerMetricsForTest()
	t.Cleanup(swapPrometheusRegistry(prometheus.NewRegistry()))

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	rec := &recorder{}
	br := &fakeBillingRun{rec: rec}
	ru := &fakeRollup{rec: rec}
	s := &Scheduler{
		log:        zap.NewNop(),
		cfg:        cfg.withDefaults(),
		genID:      node,
		clock:      clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		billingRun: br,
		reconciler: &fakeReconciler{rec: rec},
		refresher:  &fakeRefresher{rec: rec},
		rollup:     ru,
	}
	return s, rec, br, ru
}

func TestRunOnceOrder(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t, Config{})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{
		JobReconcileUnknown,
		JobBillingRun,
		JobRetryRun,
		JobCardRefreshSweep,
		JobInsightRollup,
	}, rec.calls)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t, Config{EnabledJobs: []string{" billing_run ", "RETRY_RUN"}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{JobBillingRun, JobRetryRun}, rec.calls)
}

func TestRunOnceWithoutRollup(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t, Config{})
	s.rollup = nil

	require.NoError(t, s.RunOnce(context.Background()))
	assert.NotContains(t, rec.calls, JobInsightRollup)
	assert.Len(t, rec.calls, 4)
}

func TestBillingRunInProgressIsNotAnError(t *testing.T) {
	s, rec, br, _ := newTestScheduler(t, Config{EnabledJobs: []string{JobBillingRun}})
	br.err = billingrundomain.ErrRunInProgress

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{JobBillingRun}, rec.calls)
}

func TestBillingRunFailureIsReturned(t *testing.T) {
	s, _, br, _ := newTestScheduler(t, Config{EnabledJobs: []string{JobBillingRun, JobCardRefreshSweep}})
	br.err = errors.New("db down")

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing_run: db down")
}

func TestRollupFailureIsSwallowed(t *testing.T) {
	s, rec, _, ru := newTestScheduler(t, Config{})
	ru.err = errors.New("rollup broke")

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, JobInsightRollup, rec.calls[len(rec.calls)-1])
}

func TestRunOnceStopsOnCanceledContext(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.calls)
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.RunInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.BillingRunTimeout)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "rebill",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "rebill",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "rebill_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "rebill",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "rebill_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
