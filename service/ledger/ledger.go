// Package ledger owns escrow account balances. Every mutation runs under a
// per-account lock inside a store transaction and is checked against the
// balance invariants before it commits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/lock"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/google/uuid"
)

// Store is the persistence the ledger needs. Implemented by db.Store and db.MemoryStore.
type Store interface {
	CreateEscrowAccount(ctx context.Context, a *domain.EscrowAccount) error
	GetEscrowAccount(ctx context.Context, id string) (*domain.EscrowAccount, error)
	GetEscrowAccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error)
	ListEscrowAccounts(ctx context.Context) ([]*domain.EscrowAccount, error)
	MutateEscrowAccount(ctx context.Context, accountID string, fn db.MutateFunc) (*domain.EscrowAccount, error)
	GetReservation(ctx context.Context, txID string) (*domain.Reservation, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int32) ([]*domain.LedgerEntry, error)
	GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error)
}

// Decrypter opens vault ciphertexts. Satisfied by *vault.Vault.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Ledger is the authoritative owner of escrow balances.
type Ledger struct {
	store   Store
	locks   lock.Locker
	vault   Decrypter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger. vault may be nil when ResolveDestination is unused.
func New(store Store, locks lock.Locker, vault Decrypter, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locks:  locks,
		vault:  vault,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReserveRequest describes funds entering flight for one transaction.
type ReserveRequest struct {
	TransactionID   string
	EscrowAccountID string
	Amount          int64
	Kind            domain.TransactionType
}

// OpenAccount creates the escrow account for an offering.
func (l *Ledger) OpenAccount(ctx context.Context, offeringID string, mode domain.RegulationMode) (*domain.EscrowAccount, error) {
	if offeringID == "" {
		return nil, domain.Invalid("offering_id", "is required")
	}
	if !mode.Valid() {
		return nil, domain.Invalid("regulation_mode", "unknown mode %q", mode)
	}
	a := &domain.EscrowAccount{
		ID:             uuid.NewString(),
		OfferingID:     offeringID,
		RegulationMode: mode,
		Status:         domain.AccountActive,
	}
	if err := l.store.CreateEscrowAccount(ctx, a); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, domain.Invalid("offering_id", "offering %s already has an escrow account", offeringID)
		}
		return nil, fmt.Errorf("failed to open escrow account: %w", err)
	}
	l.logger.InfoContext(ctx, "opened escrow account", "account_id", a.ID, "offering_id", offeringID, "regulation_mode", mode)
	return a, nil
}

// Account returns an account by ID.
func (l *Ledger) Account(ctx context.Context, id string) (*domain.EscrowAccount, error) {
	return l.store.GetEscrowAccount(ctx, id)
}

// AccountByOffering returns the account for an offering.
func (l *Ledger) AccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	return l.store.GetEscrowAccountByOffering(ctx, offeringID)
}

// Accounts lists every escrow account.
func (l *Ledger) Accounts(ctx context.Context) ([]*domain.EscrowAccount, error) {
	return l.store.ListEscrowAccounts(ctx)
}

// Entries returns the newest journal entries for an account.
func (l *Ledger) Entries(ctx context.Context, accountID string, limit int32) ([]*domain.LedgerEntry, error) {
	return l.store.ListLedgerEntries(ctx, accountID, limit)
}

// Reservation returns the reservation held for a transaction.
func (l *Ledger) Reservation(ctx context.Context, txID string) (*domain.Reservation, error) {
	return l.store.GetReservation(ctx, txID)
}

// Reserve puts funds in flight for a transaction. Inflows only raise the
// pending balance. Outflows earmark available funds so concurrent payouts
// cannot overdraw the account. Reserving an already reserved transaction
// returns the existing reservation.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*domain.Reservation, error) {
	if req.TransactionID == "" {
		return nil, domain.Invalid("transaction_id", "is required")
	}
	if req.Amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	if !req.Kind.Valid() {
		return nil, domain.Invalid("kind", "unknown transaction type %q", req.Kind)
	}

	var out *domain.Reservation
	err := l.mutate(ctx, req.EscrowAccountID, domain.OpReserve, func(ctx context.Context, tx db.AccountTx) (*domain.LedgerEntry, error) {
		a := tx.Account()

		existing, err := tx.Reservation(ctx, req.TransactionID)
		switch {
		case err == nil:
			if existing.EscrowAccountID != a.ID || existing.Amount != req.Amount {
				return nil, domain.Invalid("transaction_id", "already reserved with different terms")
			}
			out = existing
			return nil, nil
		case !errors.Is(err, domain.ErrReservationNotFound):
			return nil, err
		}

		if a.Status != domain.AccountActive {
			return nil, domain.Invalid("escrow_account_id", "account %s is %s", a.ID, a.Status)
		}

		dir := req.Kind.Direction()
		switch dir {
		case domain.DirectionIn:
			a.PendingBalance += req.Amount
		case domain.DirectionOut:
			if a.AvailableBalance < req.Amount {
				return nil, domain.Invalid("amount", "insufficient available balance: have %d, need %d", a.AvailableBalance, req.Amount)
			}
			a.AvailableBalance -= req.Amount
			a.PendingBalance += req.Amount
			a.PendingOutbound += req.Amount
		}

		out = &domain.Reservation{
			TransactionID:   req.TransactionID,
			EscrowAccountID: a.ID,
			Amount:          req.Amount,
			Direction:       dir,
			Kind:            req.Kind,
			Status:          domain.ReservationReserved,
			CreatedAt:       l.now(),
		}
		if err := tx.PutReservation(ctx, out); err != nil {
			return nil, err
		}
		return &domain.LedgerEntry{TransactionID: req.TransactionID, Amount: req.Amount, Reason: string(req.Kind)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Settle finalizes a reservation after its transaction completed.
// Settling twice is a no-op; settling a released reservation is a defect.
func (l *Ledger) Settle(ctx context.Context, txID string) (*domain.EscrowAccount, error) {
	return l.resolve(ctx, txID, domain.OpSettle)
}

// Release returns a reservation after its transaction failed or was
// cancelled. Releasing twice is a no-op; releasing a settled reservation is a defect.
func (l *Ledger) Release(ctx context.Context, txID string) (*domain.EscrowAccount, error) {
	return l.resolve(ctx, txID, domain.OpRelease)
}

func (l *Ledger) resolve(ctx context.Context, txID string, op domain.LedgerOp) (*domain.EscrowAccount, error) {
	res, err := l.store.GetReservation(ctx, txID)
	if err != nil {
		return nil, err
	}

	var acct *domain.EscrowAccount
	err = l.mutate(ctx, res.EscrowAccountID, op, func(ctx context.Context, tx db.AccountTx) (*domain.LedgerEntry, error) {
		a := tx.Account()
		acct = a

		r, err := tx.Reservation(ctx, txID)
		if err != nil {
			return nil, err
		}

		target := domain.ReservationSettled
		if op == domain.OpRelease {
			target = domain.ReservationReleased
		}
		switch r.Status {
		case target:
			return nil, nil
		case domain.ReservationReserved:
		default:
			return nil, &domain.LedgerConsistencyError{
				AccountID: a.ID, Op: op, Invariant: "reservation_state",
				Detail: fmt.Sprintf("transaction %s reservation already %s", txID, r.Status),
			}
		}

		applyResolution(a, r, op)

		r.Status = target
		r.ResolvedAt = timePtr(l.now())
		if err := tx.PutReservation(ctx, r); err != nil {
			return nil, err
		}
		return &domain.LedgerEntry{TransactionID: txID, Amount: r.Amount, Reason: string(r.Kind)}, nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func applyResolution(a *domain.EscrowAccount, r *domain.Reservation, op domain.LedgerOp) {
	switch {
	case op == domain.OpSettle && r.Direction == domain.DirectionIn:
		a.PendingBalance -= r.Amount
		a.AvailableBalance += r.Amount
		a.TotalDeposits += r.Amount
	case op == domain.OpSettle:
		a.PendingBalance -= r.Amount
		a.PendingOutbound -= r.Amount
		if r.Kind == domain.TypeDistribution {
			a.TotalDistributions += r.Amount
		} else {
			a.TotalWithdrawals += r.Amount
		}
	case r.Direction == domain.DirectionIn:
		a.PendingBalance -= r.Amount
	default:
		a.PendingBalance -= r.Amount
		a.PendingOutbound -= r.Amount
		a.AvailableBalance += r.Amount
	}
}

// Hold freezes available funds.
func (l *Ledger) Hold(ctx context.Context, accountID string, amount int64, reason string) (*domain.EscrowAccount, error) {
	return l.moveHeld(ctx, accountID, amount, reason, domain.OpHold)
}

// Unhold returns held funds to the available balance.
func (l *Ledger) Unhold(ctx context.Context, accountID string, amount int64, reason string) (*domain.EscrowAccount, error) {
	return l.moveHeld(ctx, accountID, amount, reason, domain.OpUnhold)
}

func (l *Ledger) moveHeld(ctx context.Context, accountID string, amount int64, reason string, op domain.LedgerOp) (*domain.EscrowAccount, error) {
	if amount <= 0 {
		return nil, domain.Invalid("amount", "must be positive")
	}
	if reason == "" {
		return nil, domain.Invalid("reason", "is required")
	}

	var acct *domain.EscrowAccount
	err := l.mutate(ctx, accountID, op, func(ctx context.Context, tx db.AccountTx) (*domain.LedgerEntry, error) {
		a := tx.Account()
		acct = a
		if op == domain.OpHold {
			if a.AvailableBalance < amount {
				return nil, domain.Invalid("amount", "insufficient available balance: have %d, need %d", a.AvailableBalance, amount)
			}
			a.AvailableBalance -= amount
			a.HeldBalance += amount
		} else {
			if a.HeldBalance < amount {
				return nil, domain.Invalid("amount", "insufficient held balance: have %d, need %d", a.HeldBalance, amount)
			}
			a.HeldBalance -= amount
			a.AvailableBalance += amount
		}
		return &domain.LedgerEntry{Amount: amount, Reason: reason}, nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// SetStatus suspends or reactivates an account. Suspended accounts refuse
// new reservations but still settle and release existing ones.
func (l *Ledger) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.EscrowAccount, error) {
	if status != domain.AccountActive && status != domain.AccountSuspended {
		return nil, domain.Invalid("status", "unknown account status %q", status)
	}
	var acct *domain.EscrowAccount
	err := l.locks.WithLock(ctx, lock.AccountKey(accountID), func(ctx context.Context) error {
		a, err := l.store.MutateEscrowAccount(ctx, accountID, func(ctx context.Context, tx db.AccountTx) error {
			tx.Account().Status = status
			return nil
		})
		acct = a
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "escrow account status changed", "account_id", accountID, "status", status)
	return acct, nil
}

// changeFunc mutates the locked account and returns the journal entry to
// record, or nil when the call was an idempotent no-op.
type changeFunc func(ctx context.Context, tx db.AccountTx) (*domain.LedgerEntry, error)

// mutate runs change under the account lock, checks the invariants and
// journals the result. Nothing is persisted unless every check passes.
func (l *Ledger) mutate(ctx context.Context, accountID string, op domain.LedgerOp, change changeFunc) error {
	start := l.now()
	err := l.locks.WithLock(ctx, lock.AccountKey(accountID), func(ctx context.Context) error {
		_, err := l.store.MutateEscrowAccount(ctx, accountID, func(ctx context.Context, tx db.AccountTx) error {
			entry, err := change(ctx, tx)
			if err != nil || entry == nil {
				return err
			}
			a := tx.Account()
			if err := CheckInvariants(a, op); err != nil {
				return err
			}
			entry.ID = uuid.NewString()
			entry.EscrowAccountID = a.ID
			entry.Op = op
			entry.CurrentBalance = a.CurrentBalance
			entry.AvailableBalance = a.AvailableBalance
			entry.PendingBalance = a.PendingBalance
			entry.HeldBalance = a.HeldBalance
			entry.CreatedAt = l.now()
			return tx.AppendEntry(ctx, entry)
		})
		return err
	})
	l.metrics.RecordLedgerMutation(string(op), err, l.now().Sub(start).Seconds())

	var lce *domain.LedgerConsistencyError
	if errors.As(err, &lce) {
		l.metrics.RecordLedgerConsistencyError(string(op), lce.Invariant)
		l.logger.ErrorContext(ctx, "ledger consistency violation, mutation rolled back",
			"account_id", accountID, "op", op, "invariant", lce.Invariant, "detail", lce.Detail)
	}
	return err
}

// CheckInvariants recomputes the current balance and verifies every
// balance relationship. It returns a LedgerConsistencyError naming the first
// violated invariant.
func CheckInvariants(a *domain.EscrowAccount, op domain.LedgerOp) error {
	a.CurrentBalance = a.AvailableBalance + a.PendingBalance + a.HeldBalance

	fail := func(invariant, format string, args ...any) error {
		return &domain.LedgerConsistencyError{AccountID: a.ID, Op: op, Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
	}

	switch {
	case a.AvailableBalance < 0, a.PendingBalance < 0, a.HeldBalance < 0, a.PendingOutbound < 0:
		return fail("non_negative", "available=%d pending=%d held=%d pending_outbound=%d",
			a.AvailableBalance, a.PendingBalance, a.HeldBalance, a.PendingOutbound)
	case a.PendingOutbound > a.PendingBalance:
		return fail("pending_outbound", "pending_outbound=%d exceeds pending=%d", a.PendingOutbound, a.PendingBalance)
	}

	settled := a.TotalDeposits - a.TotalWithdrawals - a.TotalDistributions
	inFlightIn := a.PendingBalance - a.PendingOutbound
	if settled != a.CurrentBalance-inFlightIn {
		return fail("reconciliation", "deposits-withdrawals-distributions=%d, current-pending_inbound=%d",
			settled, a.CurrentBalance-inFlightIn)
	}
	return nil
}

// ResolveDestination decrypts a bank account into a payment destination.
func (l *Ledger) ResolveDestination(ctx context.Context, bankAccountID string) (*provider.Destination, *domain.BankAccount, error) {
	acct, err := l.store.GetBankAccount(ctx, bankAccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.Invalid("bank_account_id", "bank account %s not found", bankAccountID)
		}
		return nil, nil, fmt.Errorf("failed to load bank account: %w", err)
	}
	if l.vault == nil {
		return nil, nil, fmt.Errorf("no vault configured")
	}
	number, err := l.vault.Decrypt(acct.AccountNumberEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt account number for %s: %w", acct.ID, err)
	}
	routing, err := l.vault.Decrypt(acct.RoutingNumberEnc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt routing number for %s: %w", acct.ID, err)
	}
	return &provider.Destination{
		BankAccountID:  acct.ID,
		HolderName:     acct.HolderName,
		AccountNumber:  number,
		RoutingNumber:  routing,
		PlaidItemID:    acct.PlaidItemID,
		PlaidAccountID: acct.PlaidAccountID,
	}, acct, nil
}

func timePtr(t time.Time) *time.Time { return &t }
