package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	obslogger "github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun accumulates what one job did during a tick.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	processed int
	skipped   int
	failed    int
}

type jobRunKey struct{}

func (r *jobRun) tally(processed, skipped, failed int) {
	if r == nil {
		return
	}
	r.processed += max(processed, 0)
	r.skipped += max(skipped, 0)
	r.failed += max(failed, 0)
}

// beginRun attaches a run to ctx unless one is already there. owner is true when
// this call created it.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (_ context.Context, run *jobRun, owner bool) {
	if existing, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, existing, false
	}
	run = &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	return ctx, run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunStarted(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logRunFinished(ctx context.Context, run *jobRun) {
	level := zap.InfoLevel
	if run.failed > 0 {
		level = zap.WarnLevel
	}
	if ce := s.logger(ctx).Check(level, "scheduler.job.finish"); ce != nil {
		ce.Write(
			zap.String("job", run.job),
			zap.String("run_id", run.runID),
			zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
			zap.Int("processed", run.processed),
			zap.Int("skipped", run.skipped),
			zap.Int("failed", run.failed),
		)
	}
}

func (s *Scheduler) logJobError(ctx context.Context, run *jobRun, msg string, err error) {
	run.tally(0, 0, 1)
	s.logger(ctx).Error(msg,
		zap.String("job", run.job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
