package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/webhook"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// Sweep defaults applied to zero-valued input fields.
const (
	DefaultStaleAfter  = 30 * time.Minute
	DefaultReviewAfter = 72 * time.Hour
	DefaultSweepLimit  = 200
)

func (in SweepInput) withDefaults() SweepInput {
	if in.StaleAfter <= 0 {
		in.StaleAfter = DefaultStaleAfter
	}
	if in.ReviewAfter <= 0 {
		in.ReviewAfter = DefaultReviewAfter
	}
	if in.Limit <= 0 {
		in.Limit = DefaultSweepLimit
	}
	return in
}

// ReconcileStaleTransactionsWorkflow is the reconciliation sweep. It is
// triggered by a Temporal schedule at a configured interval.
//
// The workflow performs these steps:
// 1. List transactions stuck in PROCESSING (ListStaleTransactions activity)
// 2. Ask each one's provider for the payment status (ResolveStaleTransaction activity)
// 3. Reprocess failed and lost webhook events (RedriveWebhooks activity)
//
// A transaction that cannot be resolved is counted and skipped so one bad
// reference does not hold up the rest of the pass.
func ReconcileStaleTransactionsWorkflow(ctx workflow.Context, input SweepInput) (*SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	input = input.withDefaults()

	now := workflow.Now(ctx)
	result := &SweepResult{SweptAt: now}
	logger.Info("ReconcileStaleTransactionsWorkflow started", "stale_after", input.StaleAfter, "review_after", input.ReviewAfter)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: find transactions the webhooks have not resolved
	var stale *ListStaleResult
	err := workflow.ExecuteActivity(ctx, a.ListStaleTransactions, ListStaleInput{
		Cutoff: now.Add(-input.StaleAfter),
		Limit:  input.Limit,
	}).Get(ctx, &stale)
	if err != nil {
		errMsg := fmt.Sprintf("failed to list stale transactions: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	result.Examined = len(stale.Transactions)

	// Step 2: resolve each against its provider
	reviewCutoff := now.Add(-input.ReviewAfter)
	for _, st := range stale.Transactions {
		var res *ResolveResult
		err := workflow.ExecuteActivity(ctx, a.ResolveStaleTransaction, ResolveInput{
			TransactionID: st.ID,
			ReviewCutoff:  reviewCutoff,
		}).Get(ctx, &res)
		if err != nil {
			logger.Warn("failed to resolve stale transaction", "transaction_id", st.ID, "provider", st.Provider, "error", err)
			result.Errors++
			continue
		}
		switch res.Action {
		case ActionCompleted:
			result.Completed++
		case ActionFailed:
			result.Failed++
		case ActionFlagged:
			result.Flagged++
		case ActionPending:
			result.Pending++
		case ActionSkipped:
			result.Skipped++
		}
	}

	// Step 3: redrive webhooks
	var redrive *webhook.RedriveResult
	err = workflow.ExecuteActivity(ctx, a.RedriveWebhooks, webhook.RedriveOptions{
		MaxAttempts:  input.WebhookMaxAttempts,
		PendingAfter: input.WebhookPendingAfter,
		Limit:        input.Limit,
	}).Get(ctx, &redrive)
	if err != nil {
		// The transactions above are already resolved; report rather than fail.
		logger.Error("failed to redrive webhooks", "error", err)
		errMsg := fmt.Sprintf("failed to redrive webhooks: %v", err)
		result.Error = &errMsg
	} else if redrive != nil {
		result.Webhooks = *redrive
	}

	logger.Info("ReconcileStaleTransactionsWorkflow completed",
		"examined", result.Examined,
		"completed", result.Completed,
		"failed", result.Failed,
		"flagged", result.Flagged,
		"errors", result.Errors,
		"webhooks_retried", result.Webhooks.Retried,
	)
	return result, nil
}
