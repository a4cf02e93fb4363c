package temporal

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler manages the Temporal schedule that triggers
// ReconcileStaleTransactionsWorkflow.
type Scheduler interface {
	// UpsertSweepSchedule creates the schedule or updates its interval and input.
	UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error

	// DeleteSweepSchedule stops the sweep from running.
	DeleteSweepSchedule(ctx context.Context) error

	// TriggerSweep runs the scheduled sweep immediately.
	TriggerSweep(ctx context.Context) error
}

// EnsureSweepSchedule brings the schedule in line with the configured
// interval. A non-positive interval disables the sweep; a missing schedule
// is not an error in that case.
func EnsureSweepSchedule(ctx context.Context, s Scheduler, interval time.Duration, input SweepInput, logger *slog.Logger) error {
	if interval <= 0 {
		if err := s.DeleteSweepSchedule(ctx); err != nil {
			logger.DebugContext(ctx, "no sweep schedule to remove", "error", err)
		}
		logger.InfoContext(ctx, "reconciliation sweep disabled")
		return nil
	}
	return s.UpsertSweepSchedule(ctx, interval, input.withDefaults())
}
