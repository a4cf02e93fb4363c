package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/lock"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *db.MemoryStore, *prometheus.Registry) {
	t.Helper()
	store := db.NewMemoryStore()
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(store, lock.NewLocal(), nil, logger, WithMetrics(metrics.NewMetrics(reg))), store, reg
}

func openAccount(t *testing.T, l *Ledger) *domain.EscrowAccount {
	t.Helper()
	a, err := l.OpenAccount(context.Background(), "offering-1", domain.RegD506B)
	require.NoError(t, err)
	return a
}

// fund settles an inflow so outflow tests have available balance.
func fund(t *testing.T, l *Ledger, accountID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	txID := fmt.Sprintf("fund-%d", rand.Int63())
	_, err := l.Reserve(ctx, ReserveRequest{TransactionID: txID, EscrowAccountID: accountID, Amount: amount, Kind: domain.TypeInvestment})
	require.NoError(t, err)
	_, err = l.Settle(ctx, txID)
	require.NoError(t, err)
}

func TestLedger_InflowLifecycle(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)

	_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "tx-1", EscrowAccountID: a.ID, Amount: 5_000_000, Kind: domain.TypeInvestment})
	require.NoError(t, err)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), got.PendingBalance)
	assert.Equal(t, int64(0), got.AvailableBalance)
	assert.Equal(t, int64(5_000_000), got.CurrentBalance)
	assert.Equal(t, int64(0), got.TotalDeposits)

	got, err = l.Settle(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.PendingBalance)
	assert.Equal(t, int64(5_000_000), got.AvailableBalance)
	assert.Equal(t, int64(5_000_000), got.CurrentBalance)
	assert.Equal(t, int64(5_000_000), got.TotalDeposits)

	res, err := l.Reservation(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationSettled, res.Status)
	assert.NotNil(t, res.ResolvedAt)
}

func TestLedger_OutflowEarmarksAvailable(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	fund(t, l, a.ID, 10_000)

	_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "dist-1", EscrowAccountID: a.ID, Amount: 4_000, Kind: domain.TypeDistribution})
	require.NoError(t, err)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), got.AvailableBalance)
	assert.Equal(t, int64(4_000), got.PendingBalance)
	assert.Equal(t, int64(4_000), got.PendingOutbound)
	assert.Equal(t, int64(10_000), got.CurrentBalance)

	// The earmark prevents a second payout from overdrawing.
	_, err = l.Reserve(ctx, ReserveRequest{TransactionID: "dist-2", EscrowAccountID: a.ID, Amount: 7_000, Kind: domain.TypeRefund})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	got, err = l.Settle(ctx, "dist-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), got.CurrentBalance)
	assert.Equal(t, int64(6_000), got.AvailableBalance)
	assert.Equal(t, int64(0), got.PendingBalance)
	assert.Equal(t, int64(4_000), got.TotalDistributions)
	assert.Equal(t, int64(0), got.TotalWithdrawals)
}

func TestLedger_ReleaseOutflowRestoresAvailable(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	fund(t, l, a.ID, 10_000)

	_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "fee-1", EscrowAccountID: a.ID, Amount: 2_500, Kind: domain.TypeFee})
	require.NoError(t, err)
	got, err := l.Release(ctx, "fee-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), got.AvailableBalance)
	assert.Equal(t, int64(0), got.PendingOutbound)
	assert.Equal(t, int64(0), got.TotalWithdrawals)
}

func TestLedger_Idempotence(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	req := ReserveRequest{TransactionID: "tx-1", EscrowAccountID: a.ID, Amount: 1_000, Kind: domain.TypeInvestment}

	_, err := l.Reserve(ctx, req)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, req)
	require.NoError(t, err)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), got.PendingBalance, "second reserve must not double count")

	_, err = l.Settle(ctx, "tx-1")
	require.NoError(t, err)
	got, err = l.Settle(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), got.TotalDeposits, "second settle must not double count")

	entries, err := store.ListLedgerEntries(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, domain.OpSettle, entries[0].Op)
	assert.Equal(t, domain.OpReserve, entries[1].Op)

	t.Run("different terms for same transaction", func(t *testing.T) {
		_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "tx-1", EscrowAccountID: a.ID, Amount: 2_000, Kind: domain.TypeInvestment})
		var verr *domain.ValidationError
		assert.True(t, errors.As(err, &verr))
	})
}

func TestLedger_ResolveConflicts(t *testing.T) {
	l, _, reg := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)

	t.Run("settle without reservation", func(t *testing.T) {
		_, err := l.Settle(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	})

	t.Run("release after settle", func(t *testing.T) {
		_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "tx-s", EscrowAccountID: a.ID, Amount: 100, Kind: domain.TypeInvestment})
		require.NoError(t, err)
		_, err = l.Settle(ctx, "tx-s")
		require.NoError(t, err)

		_, err = l.Release(ctx, "tx-s")
		var lce *domain.LedgerConsistencyError
		require.True(t, errors.As(err, &lce))
		assert.Equal(t, "reservation_state", lce.Invariant)
		n, err := testutil.GatherAndCount(reg, "escrow_ledger_consistency_errors_total")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("settle after release", func(t *testing.T) {
		_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "tx-r", EscrowAccountID: a.ID, Amount: 100, Kind: domain.TypeInvestment})
		require.NoError(t, err)
		_, err = l.Release(ctx, "tx-r")
		require.NoError(t, err)
		_, err = l.Release(ctx, "tx-r")
		require.NoError(t, err)

		_, err = l.Settle(ctx, "tx-r")
		var lce *domain.LedgerConsistencyError
		assert.True(t, errors.As(err, &lce))
	})
}

func TestLedger_InvariantViolationRollsBack(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	// An account whose totals disagree with its balances.
	corrupt := &domain.EscrowAccount{
		ID:               "acct-bad",
		OfferingID:       "offering-bad",
		RegulationMode:   domain.RegCF,
		AvailableBalance: 1_000,
		CurrentBalance:   1_000,
		Status:           domain.AccountActive,
	}
	require.NoError(t, store.CreateEscrowAccount(ctx, corrupt))

	_, err := l.Hold(ctx, "acct-bad", 500, "audit")
	var lce *domain.LedgerConsistencyError
	require.True(t, errors.As(err, &lce))
	assert.Equal(t, "reconciliation", lce.Invariant)
	assert.Equal(t, domain.OpHold, lce.Op)

	got, err := l.Account(ctx, "acct-bad")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.HeldBalance)
	assert.Equal(t, int64(1_000), got.AvailableBalance)
	assert.Equal(t, int64(0), got.Version)

	entries, err := l.Entries(ctx, "acct-bad", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckInvariants(t *testing.T) {
	tests := []struct {
		name      string
		account   domain.EscrowAccount
		invariant string
	}{
		{"empty", domain.EscrowAccount{}, ""},
		{"settled deposits", domain.EscrowAccount{AvailableBalance: 100, TotalDeposits: 100}, ""},
		{"inbound in flight", domain.EscrowAccount{PendingBalance: 50}, ""},
		{"outbound in flight", domain.EscrowAccount{AvailableBalance: 60, PendingBalance: 40, PendingOutbound: 40, TotalDeposits: 100}, ""},
		{"negative available", domain.EscrowAccount{AvailableBalance: -1, PendingBalance: 1}, "non_negative"},
		{"outbound exceeds pending", domain.EscrowAccount{PendingBalance: 10, PendingOutbound: 20, TotalDeposits: 20}, "pending_outbound"},
		{"unbacked available", domain.EscrowAccount{AvailableBalance: 100}, "reconciliation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.account
			err := CheckInvariants(&a, domain.OpReserve)
			if tt.invariant == "" {
				assert.NoError(t, err)
				assert.Equal(t, a.AvailableBalance+a.PendingBalance+a.HeldBalance, a.CurrentBalance)
				return
			}
			var lce *domain.LedgerConsistencyError
			require.True(t, errors.As(err, &lce))
			assert.Equal(t, tt.invariant, lce.Invariant)
		})
	}
}

func TestLedger_HoldUnhold(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	fund(t, l, a.ID, 1_000)

	got, err := l.Hold(ctx, a.ID, 300, "chargeback review")
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.AvailableBalance)
	assert.Equal(t, int64(300), got.HeldBalance)
	assert.Equal(t, int64(1_000), got.CurrentBalance)

	_, err = l.Hold(ctx, a.ID, 701, "too much")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = l.Unhold(ctx, a.ID, 301, "too much")
	assert.True(t, errors.As(err, &verr))

	got, err = l.Unhold(ctx, a.ID, 300, "cleared")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), got.AvailableBalance)
	assert.Equal(t, int64(0), got.HeldBalance)

	entries, err := l.Entries(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OpUnhold, entries[0].Op)
	assert.Equal(t, "cleared", entries[0].Reason)
	assert.Empty(t, entries[0].TransactionID)
}

func TestLedger_SuspendedAccount(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)

	_, err := l.Reserve(ctx, ReserveRequest{TransactionID: "in-flight", EscrowAccountID: a.ID, Amount: 100, Kind: domain.TypeInvestment})
	require.NoError(t, err)

	_, err = l.SetStatus(ctx, a.ID, domain.AccountSuspended)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, ReserveRequest{TransactionID: "new", EscrowAccountID: a.ID, Amount: 100, Kind: domain.TypeInvestment})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = l.Settle(ctx, "in-flight")
	assert.NoError(t, err, "existing reservations still settle")

	_, err = l.SetStatus(ctx, a.ID, domain.AccountActive)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, ReserveRequest{TransactionID: "new", EscrowAccountID: a.ID, Amount: 100, Kind: domain.TypeInvestment})
	assert.NoError(t, err)
}

func TestLedger_OpenAccountValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	openAccount(t, l)

	var verr *domain.ValidationError
	_, err := l.OpenAccount(ctx, "offering-1", domain.RegD506B)
	assert.True(t, errors.As(err, &verr), "duplicate offering")
	_, err = l.OpenAccount(ctx, "offering-2", domain.RegulationMode("REG_Z"))
	assert.True(t, errors.As(err, &verr))
	_, err = l.OpenAccount(ctx, "", domain.RegA)
	assert.True(t, errors.As(err, &verr))
}

func TestLedger_RandomizedSequenceKeepsInvariants(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	rng := rand.New(rand.NewSource(42))
	kinds := []domain.TransactionType{
		domain.TypeInvestment, domain.TypeInvestment, domain.TypeDistribution,
		domain.TypeRefund, domain.TypeFee, domain.TypeTransfer,
	}

	var open []string
	for i := 0; i < 500; i++ {
		var err error
		switch op := rng.Intn(5); {
		case op == 0 || len(open) == 0:
			id := fmt.Sprintf("tx-%d", i)
			_, err = l.Reserve(ctx, ReserveRequest{
				TransactionID:   id,
				EscrowAccountID: a.ID,
				Amount:          rng.Int63n(10_000) + 1,
				Kind:            kinds[rng.Intn(len(kinds))],
			})
			if err == nil {
				open = append(open, id)
			}
		case op == 1 || op == 2:
			k := rng.Intn(len(open))
			if op == 1 {
				_, err = l.Settle(ctx, open[k])
			} else {
				_, err = l.Release(ctx, open[k])
			}
			open = append(open[:k], open[k+1:]...)
		case op == 3:
			_, err = l.Hold(ctx, a.ID, rng.Int63n(2_000)+1, "random hold")
		default:
			_, err = l.Unhold(ctx, a.ID, rng.Int63n(2_000)+1, "random unhold")
		}

		var verr *domain.ValidationError
		if err != nil && !errors.As(err, &verr) {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}

		got, err := l.Account(ctx, a.ID)
		require.NoError(t, err)
		snapshot := *got
		require.NoError(t, CheckInvariants(&snapshot, domain.OpReserve), "step %d", i)
		require.Equal(t, got.CurrentBalance, snapshot.CurrentBalance, "stored current balance drifted at step %d", i)
	}
}

func TestLedger_ConcurrentOutflowsNeverOverdraw(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l)
	fund(t, l, a.ID, 10_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, ReserveRequest{
				TransactionID:   fmt.Sprintf("payout-%d", i),
				EscrowAccountID: a.ID,
				Amount:          1_000,
				Kind:            domain.TypeDistribution,
			})
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, reserved)
	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.AvailableBalance)
	assert.Equal(t, int64(10_000), got.PendingOutbound)
}

func TestLedger_ResolveDestination(t *testing.T) {
	store := db.NewMemoryStore()
	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	l := New(store, lock.NewLocal(), v, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ctx := context.Background()

	num, err := v.Encrypt("000123456789")
	require.NoError(t, err)
	routing, err := v.Encrypt("021000021")
	require.NoError(t, err)
	require.NoError(t, store.CreateBankAccount(ctx, &domain.BankAccount{
		ID:                 "ba-1",
		UserID:             "user-1",
		HolderName:         "Ada Investor",
		AccountNumberEnc:   num,
		RoutingNumberEnc:   routing,
		RoutingNumberHash:  v.Hash("021000021"),
		AccountLast4:       "6789",
		VerificationStatus: domain.VerificationVerified,
		PlaidAccountID:     "plaid-acc",
	}))

	dest, acct, err := l.ResolveDestination(ctx, "ba-1")
	require.NoError(t, err)
	assert.Equal(t, "000123456789", dest.AccountNumber)
	assert.Equal(t, "021000021", dest.RoutingNumber)
	assert.Equal(t, "plaid-acc", dest.PlaidAccountID)
	assert.Equal(t, "user-1", acct.UserID)

	_, _, err = l.ResolveDestination(ctx, "missing")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}
