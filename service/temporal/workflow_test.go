package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/sdk/testsuite"
)

func registerSweep(env *testsuite.TestWorkflowEnvironment) *Activities {
	activities := &Activities{}
	env.RegisterActivity(activities.ListStaleTransactions)
	env.RegisterActivity(activities.ResolveStaleTransaction)
	env.RegisterActivity(activities.RedriveWebhooks)
	return activities
}

func stale(ids ...string) *ListStaleResult {
	out := &ListStaleResult{}
	for _, id := range ids {
		out.Transactions = append(out.Transactions, StaleTransaction{
			ID:                id,
			Provider:          domain.ProviderStripe,
			ProviderReference: "pi_" + id,
			ProcessingAt:      time.Now().Add(-time.Hour),
		})
	}
	return out
}

func TestReconcileStaleTransactionsWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		mockActivities func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper)
		expectedError  bool
		validateResult func(*testing.T, *SweepResult)
	}{
		{
			name: "resolves every stale transaction",
			mockActivities: func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper) {
				listMock.Return(stale("tx1", "tx2", "tx3"), nil)
				actions := map[string]string{"tx1": ActionCompleted, "tx2": ActionFailed, "tx3": ActionFlagged}
				resolveMock.Return(func(_ context.Context, in ResolveInput) (*ResolveResult, error) {
					return &ResolveResult{TransactionID: in.TransactionID, Action: actions[in.TransactionID]}, nil
				})
				redriveMock.Return(&webhook.RedriveResult{Retried: 2, Succeeded: 2}, nil)
			},
			validateResult: func(t *testing.T, result *SweepResult) {
				assert.Equal(t, 3, result.Examined)
				assert.Equal(t, 1, result.Completed)
				assert.Equal(t, 1, result.Failed)
				assert.Equal(t, 1, result.Flagged)
				assert.Equal(t, 0, result.Errors)
				assert.Equal(t, 2, result.Webhooks.Succeeded)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "nothing stale still redrives webhooks",
			mockActivities: func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper) {
				listMock.Return(&ListStaleResult{}, nil)
				redriveMock.Return(&webhook.RedriveResult{Retried: 1, Failed: 1}, nil)
			},
			validateResult: func(t *testing.T, result *SweepResult) {
				assert.Equal(t, 0, result.Examined)
				assert.Equal(t, 1, result.Webhooks.Failed)
			},
		},
		{
			name: "one failed resolve does not stop the pass",
			mockActivities: func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper) {
				listMock.Return(stale("tx1", "tx2"), nil)
				resolveMock.Return(func(_ context.Context, in ResolveInput) (*ResolveResult, error) {
					if in.TransactionID == "tx1" {
						return nil, errors.New("stripe unavailable")
					}
					return &ResolveResult{TransactionID: in.TransactionID, Action: ActionPending}, nil
				})
				redriveMock.Return(&webhook.RedriveResult{}, nil)
			},
			validateResult: func(t *testing.T, result *SweepResult) {
				assert.Equal(t, 2, result.Examined)
				assert.Equal(t, 1, result.Errors)
				assert.Equal(t, 1, result.Pending)
			},
		},
		{
			name: "redrive failure is reported",
			mockActivities: func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper) {
				listMock.Return(stale("tx1"), nil)
				resolveMock.Return(&ResolveResult{TransactionID: "tx1", Action: ActionSkipped}, nil)
				redriveMock.Return(nil, errors.New("database error"))
			},
			validateResult: func(t *testing.T, result *SweepResult) {
				assert.Equal(t, 1, result.Skipped)
				if assert.NotNil(t, result.Error) {
					assert.Contains(t, *result.Error, "redrive")
				}
			},
		},
		{
			name: "list fails",
			mockActivities: func(listMock, resolveMock, redriveMock *testsuite.MockCallWrapper) {
				listMock.Return(nil, errors.New("database error"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()
			activities := registerSweep(env)

			listMock := env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything)
			resolveMock := env.OnActivity(activities.ResolveStaleTransaction, mock.Anything, mock.Anything)
			redriveMock := env.OnActivity(activities.RedriveWebhooks, mock.Anything, mock.Anything)
			tt.mockActivities(listMock, resolveMock, redriveMock)

			env.ExecuteWorkflow(ReconcileStaleTransactionsWorkflow, SweepInput{})

			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			assert.NoError(t, env.GetWorkflowError())
			var result SweepResult
			assert.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestReconcileStaleTransactionsWorkflow_Cutoffs(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	activities := registerSweep(env)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.SetStartTime(start)

	var listed ListStaleInput
	var resolved ResolveInput
	var redriven webhook.RedriveOptions
	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { listed = args.Get(1).(ListStaleInput) }).
		Return(stale("tx1"), nil)
	env.OnActivity(activities.ResolveStaleTransaction, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { resolved = args.Get(1).(ResolveInput) }).
		Return(&ResolveResult{TransactionID: "tx1", Action: ActionPending}, nil)
	env.OnActivity(activities.RedriveWebhooks, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { redriven = args.Get(1).(webhook.RedriveOptions) }).
		Return(&webhook.RedriveResult{}, nil)

	env.ExecuteWorkflow(ReconcileStaleTransactionsWorkflow, SweepInput{
		StaleAfter:          time.Hour,
		WebhookMaxAttempts:  5,
		WebhookPendingAfter: 10 * time.Minute,
	})
	assert.NoError(t, env.GetWorkflowError())

	assert.True(t, listed.Cutoff.Equal(start.Add(-time.Hour)), "cutoff %v", listed.Cutoff)
	assert.Equal(t, int32(DefaultSweepLimit), listed.Limit)
	assert.True(t, resolved.ReviewCutoff.Equal(start.Add(-DefaultReviewAfter)), "review cutoff %v", resolved.ReviewCutoff)
	assert.Equal(t, int32(5), redriven.MaxAttempts)
	assert.Equal(t, 10*time.Minute, redriven.PendingAfter)
}

func TestReconcileStaleTransactionsWorkflow_ActivityRetries(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	activities := registerSweep(env)

	callCount := 0
	env.OnActivity(activities.ListStaleTransactions, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("transient error") // Temporal retries on panics
		}
	}).Return(&ListStaleResult{}, nil)
	env.OnActivity(activities.RedriveWebhooks, mock.Anything, mock.Anything).
		Return(&webhook.RedriveResult{}, nil)

	env.ExecuteWorkflow(ReconcileStaleTransactionsWorkflow, SweepInput{})

	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}

func TestEnsureSweepSchedule(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := NewMockScheduler()

	err := EnsureSweepSchedule(ctx, s, 5*time.Minute, SweepInput{StaleAfter: time.Hour}, logger)
	assert.NoError(t, err)
	interval, input, ok := s.GetSchedule()
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, interval)
	assert.Equal(t, time.Hour, input.StaleAfter)
	assert.Equal(t, DefaultReviewAfter, input.ReviewAfter)

	// Reconfiguring updates in place.
	assert.NoError(t, EnsureSweepSchedule(ctx, s, time.Minute, SweepInput{}, logger))
	assert.Equal(t, 1, s.ScheduleCount())
	interval, _, _ = s.GetSchedule()
	assert.Equal(t, time.Minute, interval)

	assert.NoError(t, s.TriggerSweep(ctx))
	assert.Equal(t, 1, s.TriggerCount())

	// Disabling removes it, and disabling twice is fine.
	assert.NoError(t, EnsureSweepSchedule(ctx, s, 0, SweepInput{}, logger))
	assert.False(t, s.ScheduleExists())
	assert.NoError(t, EnsureSweepSchedule(ctx, s, 0, SweepInput{}, logger))

	s.SetCreateError(errors.New("temporal unavailable"))
	assert.Error(t, EnsureSweepSchedule(ctx, s, time.Minute, SweepInput{}, logger))
}
