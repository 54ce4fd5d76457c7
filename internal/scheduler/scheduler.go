package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/analytics/rollup"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	transactiondomain "github.com/smallbiznis/rebill/internal/transaction/domain"
	vaultdomain "github.com/smallbiznis/rebill/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type reconciler interface {
	Reconcile(ctx context.Context, limit int) (transactiondomain.ReconcileSummary, error)
}

type cardRefresher interface {
	RefreshSweep(ctx context.Context, limit int) (vaultdomain.SweepSummary, error)
}

type insightRollup interface {
	ProcessPending(ctx context.Context, limit int) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	BillingRun billingrundomain.Service
	Processor  transactiondomain.Processor
	Vault      vaultdomain.Service
	Rollup     *rollup.Service `optional:"true"`
	Config     Config          `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	billingRun billingrundomain.Service
	reconciler reconciler
	refresher  cardRefresher
	rollup     insightRollup
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.BillingRun == nil || p.Processor == nil || p.Vault == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		billingRun: p.BillingRun,
		reconciler: p.Processor,
		refresher:  p.Vault,
	}
	if p.Rollup != nil {
		s.rollup = p.Rollup
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	if owner {
		s.logRunStarted(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.failed == 0 {
			run.tally(0, 0, 1)
		}
		s.logRunFinished(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

type job struct {
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	jobs := []job{
		{JobReconcileUnknown, 5 * time.Minute, s.ReconcileUnknownJob},
		{JobBillingRun, s.cfg.BillingRunTimeout, s.BillingRunJob},
		{JobRetryRun, s.cfg.BillingRunTimeout, s.RetryRunJob},
		{JobCardRefreshSweep, 10 * time.Minute, s.CardRefreshSweepJob},
	}
	if s.rollup != nil {
		jobs = append(jobs, job{JobInsightRollup, time.Minute, s.InsightRollupJob})
	}
	return jobs
}

// RunOnce runs every enabled job in order. Reconciliation goes first so subscriptions
// it resolves are billable in the same pass.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if parent.Err() != nil {
			return errors.Join(err, parent.Err())
		}
		err = errors.Join(err, s.runJob(parent, j.name, s.cfg.BatchSize, j.timeout, j.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list means every job (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) BillingRunJob(ctx context.Context) error {
	return s.dispatch(ctx, JobBillingRun, s.billingRun.RunDueSubscriptions)
}

func (s *Scheduler) RetryRunJob(ctx context.Context) error {
	return s.dispatch(ctx, JobRetryRun, s.billingRun.RunDueRetries)
}

func (s *Scheduler) dispatch(ctx context.Context, name string, fn func(context.Context) (billingrundomain.Summary, error)) error {
	ctx, run, _ := s.beginRun(ctx, name, s.cfg.BatchSize)

	summary, err := fn(ctx)
	run.tally(summary.Total-summary.Skipped, summary.Skipped, summary.Errors)
	if summary.Skipped > 0 {
		s.logger(ctx).Debug("subscriptions deferred to a later run",
			zap.String("job", name),
			zap.Int("skipped", summary.Skipped),
		)
	}
	if errors.Is(err, billingrundomain.ErrRunInProgress) {
		obsmetrics.Scheduler().IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Info("billing run already in progress, skipping tick", zap.String("job", name))
		return nil
	}
	return err
}

func (s *Scheduler) ReconcileUnknownJob(ctx context.Context) error {
	ctx, run, _ := s.beginRun(ctx, JobReconcileUnknown, s.cfg.BatchSize)

	summary, err := s.reconciler.Reconcile(ctx, s.cfg.BatchSize)
	run.tally(summary.Total-summary.Unresolved, summary.Unresolved, 0)
	if err != nil {
		return err
	}
	if summary.Unresolved > 0 {
		obsmetrics.Scheduler().IncBatchDeferred(JobReconcileUnknown, "unresolved")
		s.logger(ctx).Warn("reconciliations left pending",
			zap.Int("unresolved", summary.Unresolved),
			zap.Int("total", summary.Total),
		)
	}
	return nil
}

func (s *Scheduler) CardRefreshSweepJob(ctx context.Context) error {
	ctx, run, _ := s.beginRun(ctx, JobCardRefreshSweep, s.cfg.BatchSize)

	summary, err := s.refresher.RefreshSweep(ctx, s.cfg.BatchSize)
	run.tally(summary.Refreshed, 0, summary.Failed)
	obsmetrics.Scheduler().AddBatchProcessed(JobCardRefreshSweep, "subscriptions", summary.Scanned)
	return err
}

func (s *Scheduler) InsightRollupJob(ctx context.Context) error {
	if s.rollup == nil {
		return nil
	}
	ctx, run, _ := s.beginRun(ctx, JobInsightRollup, s.cfg.BatchSize)
	if err := s.rollup.ProcessPending(ctx, s.cfg.BatchSize); err != nil {
		s.logJobError(ctx, run, "scheduler.rollup.failed", err)
		// a failing rollup never holds back billing
		return nil
	}
	return nil
}
