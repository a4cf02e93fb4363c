package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// SweepScheduleID is the ID of the single reconciliation schedule.
const SweepScheduleID = "escrow-reconcile-sweep"

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) sweepAction(input SweepInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        SweepScheduleID,
		Workflow:  "ReconcileStaleTransactionsWorkflow",
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// CreateSweepSchedule creates the reconciliation schedule.
func (c *Client) CreateSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error {
	c.logger.Debug("creating sweep schedule", "schedule_id", SweepScheduleID, "interval", interval)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: SweepScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: c.sweepAction(input),
		Memo: map[string]interface{}{
			"stale_after":  input.StaleAfter.String(),
			"review_after": input.ReviewAfter.String(),
			"created_by":   "escrowd",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule created", "schedule_id", SweepScheduleID, "interval", interval)
	return nil
}

// UpsertSweepSchedule creates the reconciliation schedule, or updates its
// interval and input if it already exists.
func (c *Client) UpsertSweepSchedule(ctx context.Context, interval time.Duration, input SweepInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one", "schedule_id", SweepScheduleID, "error", err)
		return c.CreateSweepSchedule(ctx, interval, input)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			in.Description.Schedule.Action = c.sweepAction(input)
			return &client.ScheduleUpdate{Schedule: &in.Description.Schedule}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule updated", "schedule_id", SweepScheduleID, "interval", interval)
	return nil
}

// DeleteSweepSchedule deletes the reconciliation schedule.
func (c *Client) DeleteSweepSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", SweepScheduleID, err)
	}
	c.logger.Info("sweep schedule deleted", "schedule_id", SweepScheduleID)
	return nil
}

// TriggerSweep starts an immediate run of the scheduled sweep.
func (c *Client) TriggerSweep(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if err := handle.Trigger(ctx, client.ScheduleTriggerOptions{}); err != nil {
		return fmt.Errorf("failed to trigger schedule %q: %w", SweepScheduleID, err)
	}
	c.logger.Info("sweep triggered", "schedule_id", SweepScheduleID)
	return nil
}

// RunSweep executes one sweep outside the schedule and waits for its result.
func (c *Client) RunSweep(ctx context.Context, input SweepInput) (*SweepResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-manual-%d", SweepScheduleID, time.Now().Unix()),
		TaskQueue: c.taskQueue,
	}, ReconcileStaleTransactionsWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start sweep: %w", err)
	}
	c.logger.Info("sweep started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	var result SweepResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("sweep failed: %w", err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
