package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dollars = 100

type harness struct {
	*txn.Fixture
	rec   *Reconciler
	queue *LocalQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := txn.NewFixture(t)
	rec := New(Config{
		Store:   f.Store,
		Machine: f.Machine,
		Verifiers: map[domain.Provider]Verifier{
			domain.ProviderStripe: NewStripeVerifier(stripeSecret, DefaultTolerance),
			domain.ProviderPlaid:  NewPlaidVerifier(plaidSecret, DefaultTolerance),
		},
		Logger: f.Logger,
	})
	q := rec.Queue().(*LocalQueue)
	t.Cleanup(func() { q.Close() })
	return &harness{Fixture: f, rec: rec, queue: q}
}

func stripeEvent(id, eventType, object, ref, txID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       ref,
				"object":   object,
				"metadata": map[string]string{"transaction_id": txID},
			},
		},
	})
	return body
}

func plaidEvent(transferID, eventType string, at time.Time) []byte {
	body, _ := json.Marshal(map[string]any{
		"webhook_type": "TRANSFER",
		"webhook_code": "TRANSFER_EVENTS_UPDATE",
		"transfer_id":  transferID,
		"event_type":   eventType,
		"timestamp":    at.UTC().Format(time.RFC3339),
	})
	return body
}

func stripeHeaders(body []byte) http.Header {
	h := http.Header{}
	h.Set(StripeSignatureHeader, SignStripe(stripeSecret, body, time.Now()))
	return h
}

func plaidHeaders(t *testing.T, body []byte) http.Header {
	t.Helper()
	tok, err := SignPlaid(plaidSecret, body, time.Now())
	require.NoError(t, err)
	h := http.Header{}
	h.Set(PlaidVerificationHeader, tok)
	return h
}

func (h *harness) wire(t *testing.T, key string, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := h.Machine.Create(context.Background(), txn.CreateRequest{
		IdempotencyKey: key,
		Type:           domain.TypeInvestment,
		PaymentMethod:  domain.MethodWire,
		Amount:         amount,
		FromUserID:     txn.AccreditedInvestor,
		BankAccountID:  txn.AccreditedBank,
		OfferingID:     txn.FixtureOffering,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, tx.Status)
	return tx
}

func TestEndToEnd_ACHInvestment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, int64(0), h.Balance(t).CurrentBalance)
	tx, err := h.Machine.Create(ctx, txn.CreateRequest{
		IdempotencyKey: "e2e",
		Type:           domain.TypeInvestment,
		PaymentMethod:  domain.MethodACH,
		Amount:         50_000 * dollars,
		FromUserID:     txn.AccreditedInvestor,
		BankAccountID:  txn.AccreditedBank,
		OfferingID:     txn.FixtureOffering,
	})
	require.NoError(t, err)
	require.Equal(t, domain.ProviderPlaid, tx.Provider)

	a := h.Balance(t)
	assert.Equal(t, int64(50_000*dollars), a.PendingBalance)
	assert.Equal(t, int64(0), a.AvailableBalance)

	body := plaidEvent(tx.ProviderReference, "settled", time.Now())
	res, err := h.rec.Ingest(ctx, domain.ProviderPlaid, body, plaidHeaders(t, body))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	h.queue.Wait()

	a = h.Balance(t)
	assert.Equal(t, int64(50_000*dollars), a.AvailableBalance)
	assert.Equal(t, int64(0), a.PendingBalance)
	assert.Equal(t, int64(50_000*dollars), a.TotalDeposits)
	assert.Equal(t, int64(50_000*dollars), a.CurrentBalance)

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	e, err := h.Store.GetWebhookEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, e.Status)
	assert.Equal(t, tx.ID, e.TransactionID)
}

func TestIngest_DuplicateDeliveriesSettleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.wire(t, "wire-1", 20_000*dollars)

	body := stripeEvent("evt_1", "payment_intent.succeeded", "payment_intent", tx.ProviderReference, tx.ID)

	const deliveries = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.rec.Ingest(ctx, domain.ProviderStripe, body, stripeHeaders(body))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			if res.Duplicate {
				duplicates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	h.queue.Wait()

	assert.Equal(t, deliveries-1, duplicates)

	a := h.Balance(t)
	assert.Equal(t, int64(20_000*dollars), a.TotalDeposits)
	assert.Equal(t, int64(20_000*dollars), a.CurrentBalance)

	assert.Equal(t, 1, h.Publisher.CountStatus(domain.StatusCompleted))

	entries, err := h.Ledger.Entries(ctx, h.Account.ID, 100)
	require.NoError(t, err)
	settles := 0
	for _, e := range entries {
		if e.TransactionID == tx.ID && e.Op == domain.OpSettle {
			settles++
		}
	}
	assert.Equal(t, 1, settles)
}

func TestIngest_StaleProcessingEventAfterCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.wire(t, "wire-1", 1_000*dollars)

	succeeded := stripeEvent("evt_2", "payment_intent.succeeded", "payment_intent", tx.ProviderReference, tx.ID)
	processing := stripeEvent("evt_1", "payment_intent.processing", "payment_intent", tx.ProviderReference, tx.ID)
	failed := stripeEvent("evt_3", "payment_intent.payment_failed", "payment_intent", tx.ProviderReference, tx.ID)

	for _, body := range [][]byte{succeeded, processing, failed} {
		_, err := h.rec.Ingest(ctx, domain.ProviderStripe, body, stripeHeaders(body))
		require.NoError(t, err)
	}
	h.queue.Wait()

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(1_000*dollars), h.Balance(t).CurrentBalance)

	for _, id := range []string{"stripe:evt_1", "stripe:evt_2", "stripe:evt_3"} {
		e, err := h.Store.GetWebhookEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.WebhookCompleted, e.Status, id)
	}
}

func TestIngest_FailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.wire(t, "wire-1", 3_000*dollars)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt_f",
		"type": "payment_intent.payment_failed",
		"data": map[string]any{"object": map[string]any{
			"id":                 tx.ProviderReference,
			"object":             "payment_intent",
			"metadata":           map[string]string{"transaction_id": tx.ID},
			"last_payment_error": map[string]string{"message": "insufficient funds"},
		}},
	})
	_, err := h.rec.Ingest(ctx, domain.ProviderStripe, body, stripeHeaders(body))
	require.NoError(t, err)
	h.queue.Wait()

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "insufficient funds", got.ErrorMessage)
	assert.Equal(t, int64(0), h.Balance(t).PendingBalance)
}

func TestIngest_RejectsBadSignatures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := stripeEvent("evt_x", "payment_intent.succeeded", "payment_intent", "pi_1", "")
	hdr := http.Header{}
	hdr.Set(StripeSignatureHeader, SignStripe("wrong", body, time.Now()))
	_, err := h.rec.Ingest(ctx, domain.ProviderStripe, body, hdr)
	var serr *domain.SignatureVerificationError
	require.True(t, errors.As(err, &serr))

	pbody := plaidEvent("tr_1", "settled", time.Now())
	_, err = h.rec.Ingest(ctx, domain.ProviderPlaid, pbody, http.Header{})
	require.True(t, errors.As(err, &serr))

	_, err = h.Store.GetWebhookEvent(ctx, "stripe:evt_x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.rec.Ingest(ctx, domain.Provider("PAYPAL"), body, hdr)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestIngest_MalformedBody(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"payment_intent.succeeded"}`)
	_, err := h.rec.Ingest(context.Background(), domain.ProviderStripe, body, stripeHeaders(body))
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestProcess_EarlyEventFailsThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The rail's confirmation beats our record of its reference.
	body := plaidEvent("tr_1", "settled", time.Now())
	res, err := h.rec.Ingest(ctx, domain.ProviderPlaid, body, plaidHeaders(t, body))
	require.NoError(t, err)
	h.queue.Wait()

	failed, err := h.rec.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, res.EventID, failed[0].EventID)
	assert.Contains(t, failed[0].LastError, "tr_1")
	assert.Equal(t, int32(1), failed[0].Attempts)

	tx, err := h.Machine.Create(ctx, txn.CreateRequest{
		IdempotencyKey: "ach",
		Type:           domain.TypeInvestment,
		PaymentMethod:  domain.MethodACH,
		Amount:         500 * dollars,
		FromUserID:     txn.AccreditedInvestor,
		BankAccountID:  txn.AccreditedBank,
		OfferingID:     txn.FixtureOffering,
	})
	require.NoError(t, err)
	require.Equal(t, "tr_1", tx.ProviderReference)

	e, err := h.rec.Retry(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, e.Status)

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	_, err = h.rec.Retry(ctx, "plaid:missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedrive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		body := plaidEvent(fmt.Sprintf("tr_%d", i), "settled", time.Now())
		_, err := h.rec.Ingest(ctx, domain.ProviderPlaid, body, plaidHeaders(t, body))
		require.NoError(t, err)
	}
	h.queue.Wait()

	res, err := h.rec.Redrive(ctx, RedriveOptions{MaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retried)
	assert.Equal(t, 2, res.Failed)

	tx, err := h.Machine.Create(ctx, txn.CreateRequest{
		IdempotencyKey: "ach",
		Type:           domain.TypeInvestment,
		PaymentMethod:  domain.MethodACH,
		Amount:         500 * dollars,
		FromUserID:     txn.AccreditedInvestor,
		BankAccountID:  txn.AccreditedBank,
		OfferingID:     txn.FixtureOffering,
	})
	require.NoError(t, err)

	res, err = h.rec.Redrive(ctx, RedriveOptions{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	// tr_2 has now been tried three times.
	res, err = h.rec.Redrive(ctx, RedriveOptions{MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retried)
	assert.Equal(t, 1, res.Exhausted)
}

func TestRedrive_PendingEventsLostBeforeQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.wire(t, "wire-1", 1_000*dollars)

	// Recorded but never enqueued, as after a crash between the two.
	body := stripeEvent("evt_lost", "payment_intent.succeeded", "payment_intent", tx.ProviderReference, tx.ID)
	inserted, err := h.Store.InsertWebhookEventIfAbsent(ctx, &domain.WebhookEvent{
		EventID:           "stripe:evt_lost",
		Provider:          domain.ProviderStripe,
		EventType:         "payment_intent.succeeded",
		ProviderReference: tx.ProviderReference,
		TransactionID:     tx.ID,
		Payload:           body,
		Status:            domain.WebhookPending,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	h.rec.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := h.rec.Redrive(ctx, RedriveOptions{PendingAfter: 10 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got, err := h.Machine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestIngest_InformationalEventsAreCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	body := stripeEvent("evt_c", "customer.created", "customer", "cus_1", "")
	res, err := h.rec.Ingest(ctx, domain.ProviderStripe, body, stripeHeaders(body))
	require.NoError(t, err)
	h.queue.Wait()

	e, err := h.Store.GetWebhookEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookCompleted, e.Status)
}

func TestPlaidEventID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	base := PlaidEventID("TRANSFER", "tr_1", "TRANSFER_EVENTS_UPDATE", "settled", at, time.Minute)

	assert.Equal(t, base, PlaidEventID("TRANSFER", "tr_1", "TRANSFER_EVENTS_UPDATE", "settled", at.Add(40*time.Second), time.Minute))
	assert.NotEqual(t, base, PlaidEventID("TRANSFER", "tr_1", "TRANSFER_EVENTS_UPDATE", "settled", at.Add(time.Minute), time.Minute))
	assert.NotEqual(t, base, PlaidEventID("TRANSFER", "tr_1", "TRANSFER_EVENTS_UPDATE", "failed", at, time.Minute))
	assert.NotEqual(t, base, PlaidEventID("TRANSFER", "tr_2", "TRANSFER_EVENTS_UPDATE", "settled", at, time.Minute))
	assert.Regexp(t, `^plaid:[0-9a-f]{64}$`, base)
}

func TestParsePlaid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		body  string
		event txn.Event
		ref   string
	}{
		{"settled", `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_EVENTS_UPDATE","transfer_id":"tr_1","event_type":"settled"}`, txn.EventSucceed, "tr_1"},
		{"returned", `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_EVENTS_UPDATE","transfer_id":"tr_1","event_type":"returned"}`, txn.EventFail, "tr_1"},
		{"posted", `{"webhook_type":"TRANSFER","webhook_code":"TRANSFER_EVENTS_UPDATE","transfer_id":"tr_1","event_type":"posted"}`, txn.EventDispatch, "tr_1"},
		{"item error", `{"webhook_type":"ITEM","webhook_code":"ERROR","item_id":"item-1"}`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parsePlaid([]byte(tt.body), now, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.event, d.Event)
			assert.Equal(t, tt.ref, d.Reference)
		})
	}

	_, err := parsePlaid([]byte(`{"transfer_id":"tr_1"}`), now, time.Minute)
	assert.Error(t, err)
}

func TestLocalQueue_OrdersPerKey(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	q := NewLocalQueue(func(ctx context.Context, id string) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		key := id[:3]
		seen[key] = append(seen[key], id)
		return nil
	}, txn.NewFixture(t).Logger)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		for _, key := range []string{"txA", "txB", "txC"} {
			require.NoError(t, q.Enqueue(ctx, &domain.WebhookEvent{
				EventID:       fmt.Sprintf("%s-%02d", key, i),
				TransactionID: key,
			}))
		}
	}
	q.Wait()
	require.NoError(t, q.Close())

	for _, key := range []string{"txA", "txB", "txC"} {
		require.Len(t, seen[key], 20)
		for i, id := range seen[key] {
			assert.Equal(t, fmt.Sprintf("%s-%02d", key, i), id)
		}
	}
}
