package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/escrowd/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func temporalCommands() *cli.Command {
	return &cli.Command{
		Name:  "temporal",
		Usage: "Temporal inspection and management commands",
		Subcommands: []*cli.Command{
			{
				Name:  "sweep-schedule",
				Usage: "Manage the reconciliation sweep schedule",
				Subcommands: []*cli.Command{
					createSweepScheduleCommand(),
					describeSweepScheduleCommand(),
					deleteSweepScheduleCommand(),
					triggerSweepCommand(),
				},
			},
			runSweepCommand(),
		},
	}
}

func sweepFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{Name: "stale-after", Value: 30 * time.Minute, Usage: "Ask the provider about transactions PROCESSING longer than this"},
		&cli.DurationFlag{Name: "review-after", Value: 72 * time.Hour, Usage: "Flag transactions still in flight after this long"},
		&cli.IntFlag{Name: "limit", Value: 200, Usage: "Maximum transactions examined per run"},
		&cli.IntFlag{Name: "webhook-max-attempts", Value: 10, Usage: "Stop redriving a failed webhook event after this many attempts"},
		&cli.DurationFlag{Name: "webhook-pending-after", Value: 10 * time.Minute, Usage: "Redrive PENDING webhook events older than this"},
	}
}

func sweepInput(c *cli.Context) temporal.SweepInput {
	return temporal.SweepInput{
		StaleAfter:          c.Duration("stale-after"),
		ReviewAfter:         c.Duration("review-after"),
		Limit:               int32(c.Int("limit")),
		WebhookMaxAttempts:  int32(c.Int("webhook-max-attempts")),
		WebhookPendingAfter: c.Duration("webhook-pending-after"),
	}
}

func createSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create the sweep schedule, or update its interval and bounds",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: 5 * time.Minute, Usage: "How often the sweep runs"},
		}, sweepFlags()...),
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertSweepSchedule(c.Context, c.Duration("interval"), sweepInput(c)); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Sweep schedule %s runs every %v\n", temporal.SweepScheduleID, c.Duration("interval"))
			return nil
		},
	}
}

func describeSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "describe",
		Usage: "Show the sweep schedule and its recent runs",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			handle := tc.SDKClient().ScheduleClient().GetHandle(c.Context, temporal.SweepScheduleID)
			desc, err := handle.Describe(c.Context)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Schedule ID:    %s\n", temporal.SweepScheduleID)
			fmt.Fprintf(w, "Paused:         %v\n", desc.Schedule.State.Paused)
			if action, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Fprintf(w, "Workflow:       %v\n", action.Workflow)
				fmt.Fprintf(w, "Task Queue:     %s\n", action.TaskQueue)
			}
			for i, interval := range desc.Schedule.Spec.Intervals {
				fmt.Fprintf(w, "Interval %d:     every %v\n", i+1, interval.Every)
			}
			fmt.Fprintf(w, "Recent Actions: %d\n", len(desc.Info.RecentActions))
			if n := len(desc.Info.RecentActions); n > 0 {
				fmt.Fprintf(w, "Last Action:    %s\n", desc.Info.RecentActions[n-1].ActualTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func deleteSweepScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete the sweep schedule",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteSweepSchedule(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Sweep schedule %s deleted\n", temporal.SweepScheduleID)
			return nil
		},
	}
}

func triggerSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Start the scheduled sweep now",
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.TriggerSweep(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Sweep triggered")
			return nil
		},
	}
}

func runSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one sweep outside the schedule and wait for its result",
		Flags: sweepFlags(),
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			res, err := tc.RunSweep(c.Context, sweepInput(c))
			if err != nil {
				return err
			}
			if wantJSON(c) {
				return outputJSON(c, res)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Swept At:   %s\n", res.SweptAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Examined:   %d\n", res.Examined)
			fmt.Fprintf(w, "Completed:  %d\n", res.Completed)
			fmt.Fprintf(w, "Failed:     %d\n", res.Failed)
			fmt.Fprintf(w, "Flagged:    %d\n", res.Flagged)
			fmt.Fprintf(w, "Pending:    %d\n", res.Pending)
			fmt.Fprintf(w, "Skipped:    %d\n", res.Skipped)
			fmt.Fprintf(w, "Errors:     %d\n", res.Errors)
			fmt.Fprintf(w, "Webhooks:   %d retried, %d succeeded, %d failed, %d exhausted\n",
				res.Webhooks.Retried, res.Webhooks.Succeeded, res.Webhooks.Failed, res.Webhooks.Exhausted)
			if res.Error != nil {
				fmt.Fprintf(w, "Error:      %s\n", *res.Error)
			}
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
