package scheduler

import (
	"time"

	"github.com/smallbiznis/rebill/internal/config"
)

const (
	JobBillingRun       = "billing_run"
	JobRetryRun         = "retry_run"
	JobCardRefreshSweep = "card_refresh_sweep"
	JobInsightRollup    = "insight_rollup"
	JobReconcileUnknown = "reconcile_unknown"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	BillingRunTimeout time.Duration
	// EnabledJobs restricts the loop to the named jobs. Empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RunInterval:       5 * time.Minute,
		BatchSize:         100,
		BillingRunTimeout: 30 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.RunInterval,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BillingRunTimeout <= 0 {
		c.BillingRunTimeout = defaults.BillingRunTimeout
	}
	return c
}
