package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/checkpoint"
	"github.com/goliatone/go-workflow/worker"
)

// CleanupJob removes checkpoints whose last update is older than age.
func CleanupJob(store checkpoint.Store, age time.Duration, logger workflow.Logger) Job {
	logger = workflow.NormalizeLogger(logger)
	return func(ctx context.Context) error {
		if age <= 0 {
			return fmt.Errorf("cleanup age must be positive, got %s", age)
		}
		n, err := store.CleanupOlderThan(ctx, age)
		if err != nil {
			return fmt.Errorf("cleanup checkpoints: %w", err)
		}
		if n > 0 {
			logger.Info("removed %d checkpoints older than %s", n, age)
		}
		return nil
	}
}

// StatsJob reads store statistics and hands them to report. A nil report
// logs them.
func StatsJob(store checkpoint.Store, logger workflow.Logger, report func(checkpoint.Stats)) Job {
	logger = workflow.NormalizeLogger(logger)
	if report == nil {
		report = func(s checkpoint.Stats) {
			logger.Info("executions total=%d running=%d completed=%d failed=%d cancelled=%d avg_size=%.0fB",
				s.Total, s.Running, s.Completed, s.Failed, s.Cancelled, s.AverageSize)
		}
	}
	return func(ctx context.Context) error {
		stats, err := store.Statistics(ctx)
		if err != nil {
			return fmt.Errorf("checkpoint statistics: %w", err)
		}
		report(stats)
		return nil
	}
}

// SweepJob runs one resume sweep of pool.
func SweepJob(pool *worker.Pool) Job {
	return func(ctx context.Context) error {
		_, err := pool.RunOnce(ctx)
		return err
	}
}
