// Package txn drives transactions through their lifecycle. It is the only
// writer of transaction status and the only caller of the ledger's
// reserve, settle and release operations.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/compliance"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/lock"
	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/google/uuid"
)

// Event is an input to the state machine.
type Event string

const (
	EventDispatch Event = "DISPATCH"
	EventSucceed  Event = "SUCCEED"
	EventFail     Event = "FAIL"
	EventCancel   Event = "CANCEL"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	maxIdempotencyKey = 255
)

// Store is the persistence the machine needs.
type Store interface {
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, t *domain.Transaction, expected domain.Status) error
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error)
	SummarizeTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.Summary, error)
	SumInvestorInflows(ctx context.Context, userID string, since time.Time) (int64, error)
	ListTransactionLimits(ctx context.Context) ([]domain.TransactionLimit, error)
	GetInvestor(ctx context.Context, userID string) (*domain.Investor, error)
	GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error)
}

// Escrow is the subset of the ledger the machine drives.
type Escrow interface {
	AccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error)
	Reserve(ctx context.Context, req ledger.ReserveRequest) (*domain.Reservation, error)
	Settle(ctx context.Context, txID string) (*domain.EscrowAccount, error)
	Release(ctx context.Context, txID string) (*domain.EscrowAccount, error)
	ResolveDestination(ctx context.Context, bankAccountID string) (*provider.Destination, *domain.BankAccount, error)
}

// Gate decides whether an investor may move an amount.
type Gate interface {
	Evaluate(ctx context.Context, req compliance.Request) compliance.Decision
}

// Router picks the rail for a payment method.
type Router interface {
	For(method domain.PaymentMethod) (provider.PaymentProvider, error)
}

// Config wires a Machine. BankLink, Publisher and Metrics are optional.
type Config struct {
	Store     Store
	Ledger    Escrow
	Gate      Gate
	Router    Router
	BankLink  provider.BankLinkProvider
	Locks     lock.Locker
	Publisher natspkg.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Machine owns transaction state.
type Machine struct {
	store     Store
	ledger    Escrow
	gate      Gate
	router    Router
	bankLink  provider.BankLinkProvider
	locks     lock.Locker
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Machine.
func New(cfg Config) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		gate:      cfg.Gate,
		router:    cfg.Router,
		bankLink:  cfg.BankLink,
		locks:     cfg.Locks,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "txn"),
		now:       now,
	}
}

// CreateRequest describes a new transaction. Amounts are in cents.
type CreateRequest struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Type           domain.TransactionType `json:"type"`
	PaymentMethod  domain.PaymentMethod   `json:"payment_method"`
	Amount         int64                  `json:"amount"`
	FeeAmount      int64                  `json:"fee_amount"`
	FromUserID     string                 `json:"from_user_id,omitempty"`
	ToUserID       string                 `json:"to_user_id,omitempty"`
	BankAccountID  string                 `json:"bank_account_id,omitempty"`
	OfferingID     string                 `json:"offering_id"`
	Description    string                 `json:"description,omitempty"`
}

func (r *CreateRequest) investorID() string {
	if r.Type == domain.TypeInvestment {
		return r.FromUserID
	}
	return r.ToUserID
}

func (r *CreateRequest) validate() error {
	switch {
	case r.IdempotencyKey == "":
		return domain.Invalid("idempotency_key", "is required")
	case len(r.IdempotencyKey) > maxIdempotencyKey:
		return domain.Invalid("idempotency_key", "must be at most %d characters", maxIdempotencyKey)
	case !r.Type.Valid():
		return domain.Invalid("type", "unknown transaction type %q", r.Type)
	case !r.PaymentMethod.Valid():
		return domain.Invalid("payment_method", "unknown payment method %q", r.PaymentMethod)
	case r.Amount <= 0:
		return domain.Invalid("amount", "must be positive")
	case r.FeeAmount < 0 || r.FeeAmount > r.Amount:
		return domain.Invalid("fee_amount", "must be between 0 and amount")
	case r.OfferingID == "":
		return domain.Invalid("offering_id", "is required")
	case r.Type == domain.TypeInvestment && r.FromUserID == "":
		return domain.Invalid("from_user_id", "is required for investments")
	case r.Type != domain.TypeInvestment && r.ToUserID == "":
		return domain.Invalid("to_user_id", "is required for payouts")
	case r.PaymentMethod != domain.MethodInternal && r.BankAccountID == "":
		return domain.Invalid("bank_account_id", "is required for %s payments", r.PaymentMethod)
	}
	return nil
}

// sameAs reports whether t was created from an equivalent request.
func (r *CreateRequest) sameAs(t *domain.Transaction) bool {
	return t.Type == r.Type &&
		t.PaymentMethod == r.PaymentMethod &&
		t.Amount == r.Amount &&
		t.FeeAmount == r.FeeAmount &&
		t.FromUserID == r.FromUserID &&
		t.ToUserID == r.ToUserID &&
		t.BankAccountID == r.BankAccountID &&
		t.OfferingID == r.OfferingID
}

// CreateInvestment creates an INVESTMENT transaction.
func (m *Machine) CreateInvestment(ctx context.Context, req CreateRequest) (*domain.Transaction, error) {
	req.Type = domain.TypeInvestment
	return m.Create(ctx, req)
}

// Create admits a transaction, reserves its funds and dispatches it.
//
// A repeated idempotency key returns the stored transaction without side
// effects. A compliance rejection is persisted as a FAILED transaction and
// returned together with a *domain.ComplianceError. A dispatch failure
// returns the FAILED transaction together with the cause.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*domain.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if existing, err := m.replay(ctx, &req); existing != nil || err != nil {
		return existing, err
	}

	account, err := m.ledger.AccountByOffering(ctx, req.OfferingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Invalid("offering_id", "no escrow account for offering %s", req.OfferingID)
		}
		return nil, fmt.Errorf("failed to load escrow account: %w", err)
	}
	if err := m.checkBankAccount(ctx, &req); err != nil {
		return nil, err
	}

	var (
		txn        *domain.Transaction
		replayed   bool
		rejection  error
		reserveErr error
	)
	err = m.locks.WithLock(ctx, lock.InvestorKey(req.investorID()), func(ctx context.Context) error {
		// A concurrent request with the same key may have won the lock.
		existing, err := m.replay(ctx, &req)
		if err != nil {
			return err
		}
		if existing != nil {
			txn, replayed = existing, true
			return nil
		}

		now := m.now().UTC()
		txn = &domain.Transaction{
			ID:              uuid.NewString(),
			Type:            req.Type,
			Status:          domain.StatusPending,
			PaymentMethod:   req.PaymentMethod,
			Amount:          req.Amount,
			FeeAmount:       req.FeeAmount,
			NetAmount:       req.Amount - req.FeeAmount,
			IdempotencyKey:  req.IdempotencyKey,
			FromUserID:      req.FromUserID,
			ToUserID:        req.ToUserID,
			BankAccountID:   req.BankAccountID,
			OfferingID:      req.OfferingID,
			EscrowAccountID: account.ID,
			InitiatedAt:     now,
		}

		creq, err := m.complianceRequest(ctx, txn, account, now)
		if err != nil {
			return err
		}
		decision := m.gate.Evaluate(ctx, creq)
		if !decision.Approved {
			rejection = decision.Err()
			txn.Status = domain.StatusFailed
			txn.ComplianceReason = decision.Reason
			txn.ErrorMessage = rejection.Error()
			txn.FailedAt = &now
		}

		// The row becomes visible to Cancel on insert, so the transaction
		// lock is held until its funds are reserved.
		return m.locks.WithLock(ctx, lock.TransactionKey(txn.ID), func(ctx context.Context) error {
			if err := m.store.CreateTransaction(ctx, txn); err != nil {
				if errors.Is(err, domain.ErrDuplicate) {
					existing, err := m.replay(ctx, &req)
					if err != nil {
						return err
					}
					if existing != nil {
						txn, replayed, rejection = existing, true, nil
						return nil
					}
				}
				return fmt.Errorf("failed to create transaction: %w", err)
			}
			if rejection != nil {
				return nil
			}

			_, reserveErr = m.ledger.Reserve(ctx, ledger.ReserveRequest{
				TransactionID:   txn.ID,
				EscrowAccountID: account.ID,
				Amount:          txn.Amount,
				Kind:            txn.Type,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return txn, nil
	}

	m.publish(ctx, txn, "")
	if rejection != nil {
		m.metrics.RecordTransactionCreated(string(txn.Type), string(txn.PaymentMethod), "rejected")
		return txn, rejection
	}
	if reserveErr != nil {
		m.metrics.RecordTransactionCreated(string(txn.Type), string(txn.PaymentMethod), "reserve_failed")
		m.logger.ErrorContext(ctx, "failed to reserve funds", "transaction_id", txn.ID, "error", reserveErr)
		failed, err := m.Transition(ctx, txn.ID, EventFail, "reserve failed: "+reserveErr.Error())
		if err != nil {
			return txn, errors.Join(reserveErr, err)
		}
		return failed, reserveErr
	}
	m.metrics.RecordTransactionCreated(string(txn.Type), string(txn.PaymentMethod), "accepted")

	m.logger.InfoContext(ctx, "transaction accepted",
		"transaction_id", txn.ID,
		"type", txn.Type,
		"method", txn.PaymentMethod,
		"amount", txn.Amount,
		"offering_id", txn.OfferingID,
	)
	return m.dispatch(ctx, txn)
}

// replay returns the stored transaction for the request's key, or nil when
// the key is new. A key reused with a different payload is rejected.
func (m *Machine) replay(ctx context.Context, req *CreateRequest) (*domain.Transaction, error) {
	existing, err := m.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if !req.sameAs(existing) {
		return nil, domain.Invalid("idempotency_key", "already used for a different request")
	}
	m.metrics.RecordIdempotentReplay("create")
	return existing, nil
}

// checkBankAccount requires a verified bank account owned by the investor.
// An account not yet verified locally is checked against the bank link.
func (m *Machine) checkBankAccount(ctx context.Context, req *CreateRequest) error {
	if req.PaymentMethod == domain.MethodInternal {
		return nil
	}
	acct, err := m.store.GetBankAccount(ctx, req.BankAccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Invalid("bank_account_id", "bank account %s not found", req.BankAccountID)
		}
		return fmt.Errorf("failed to load bank account: %w", err)
	}
	if acct.UserID != req.investorID() {
		return domain.Invalid("bank_account_id", "bank account does not belong to %s", req.investorID())
	}

	status := acct.VerificationStatus
	if status == domain.VerificationPending && m.bankLink != nil {
		status, err = m.bankLink.VerificationStatus(ctx, acct)
		if err != nil {
			return fmt.Errorf("failed to check bank account verification: %w", err)
		}
	}
	if status != domain.VerificationVerified {
		return domain.Invalid("bank_account_id", "bank account is %s", status)
	}
	return nil
}

// complianceRequest gathers the investor, limits and trailing totals.
func (m *Machine) complianceRequest(ctx context.Context, t *domain.Transaction, account *domain.EscrowAccount, now time.Time) (compliance.Request, error) {
	userID := t.InvestorID()
	inv, err := m.store.GetInvestor(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return compliance.Request{}, fmt.Errorf("failed to load investor: %w", err)
		}
		inv = &domain.Investor{UserID: userID}
	}
	rows, err := m.store.ListTransactionLimits(ctx)
	if err != nil {
		return compliance.Request{}, fmt.Errorf("failed to load limits: %w", err)
	}

	req := compliance.Request{
		Investor:       inv,
		Type:           t.Type,
		Amount:         t.Amount,
		RegulationMode: account.RegulationMode,
		Limits:         domain.NewLimits(rows),
		TransactionID:  t.ID,
		IdempotencyKey: t.IdempotencyKey,
		OfferingID:     t.OfferingID,
	}
	if t.Type != domain.TypeInvestment {
		return req, nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	windows := []struct {
		since time.Time
		dst   *int64
	}{
		{now.AddDate(0, 0, -365), &req.Trailing12Months},
		{dayStart, &req.DepositedToday},
		{monthStart, &req.DepositedThisMonth},
	}
	for _, w := range windows {
		sum, err := m.store.SumInvestorInflows(ctx, userID, w.since)
		if err != nil {
			return compliance.Request{}, fmt.Errorf("failed to sum investor inflows: %w", err)
		}
		*w.dst = sum
	}
	return req, nil
}

// dispatch moves an accepted transaction to PROCESSING and hands it to its
// rail. INTERNAL transfers complete immediately.
func (m *Machine) dispatch(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	txn, err := m.Transition(ctx, txn.ID, EventDispatch, "")
	if err != nil {
		return txn, err
	}
	if txn.PaymentMethod == domain.MethodInternal {
		return m.Transition(ctx, txn.ID, EventSucceed, "")
	}

	fail := func(cause error) (*domain.Transaction, error) {
		failed, err := m.Transition(ctx, txn.ID, EventFail, cause.Error())
		if err != nil {
			return txn, errors.Join(cause, err)
		}
		return failed, cause
	}

	rail, err := m.router.For(txn.PaymentMethod)
	if err != nil {
		return fail(err)
	}
	dest, _, err := m.ledger.ResolveDestination(ctx, txn.BankAccountID)
	if err != nil {
		return fail(err)
	}

	payment, err := rail.CreatePayment(ctx, provider.PaymentRequest{
		TransactionID:  txn.ID,
		IdempotencyKey: txn.ID,
		Amount:         txn.Amount,
		Method:         txn.PaymentMethod,
		Direction:      txn.Type.Direction(),
		Description:    fmt.Sprintf("%s %s", txn.Type, txn.OfferingID),
		Destination:    dest,
		Metadata: map[string]string{
			"transaction_id": txn.ID,
			"offering_id":    txn.OfferingID,
		},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "payment dispatch failed",
			"transaction_id", txn.ID, "provider", rail.Name(), "error", err)
		return fail(err)
	}

	txn, err = m.attach(ctx, txn.ID, rail.Name(), payment.Reference)
	if err != nil {
		return txn, err
	}
	m.logger.InfoContext(ctx, "payment dispatched",
		"transaction_id", txn.ID,
		"provider", rail.Name(),
		"provider_reference", payment.Reference,
		"destination", dest.String(),
	)

	switch payment.Status {
	case provider.PaymentSucceeded:
		return m.Transition(ctx, txn.ID, EventSucceed, "")
	case provider.PaymentFailed, provider.PaymentCanceled:
		return m.Transition(ctx, txn.ID, EventFail, payment.FailureReason)
	}
	return txn, nil
}

// attach records the rail's reference on the transaction.
func (m *Machine) attach(ctx context.Context, txID string, p domain.Provider, ref string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := m.locks.WithLock(ctx, lock.TransactionKey(txID), func(ctx context.Context) error {
		t, err := m.store.GetTransaction(ctx, txID)
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		t.Provider = p
		t.ProviderReference = ref
		if err := m.store.UpdateTransaction(ctx, t, t.Status); err != nil {
			return fmt.Errorf("failed to record provider reference: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

// next returns the status an event moves from to. ok is false when the
// event has already been applied and the call is a no-op.
func next(from domain.Status, event Event) (to domain.Status, ok bool, valid bool) {
	switch event {
	case EventDispatch:
		switch from {
		case domain.StatusPending:
			return domain.StatusProcessing, true, true
		case domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed:
			return from, false, true
		}
	case EventSucceed:
		switch from {
		case domain.StatusProcessing:
			return domain.StatusCompleted, true, true
		case domain.StatusCompleted:
			return from, false, true
		}
	case EventFail:
		switch from {
		case domain.StatusPending, domain.StatusProcessing:
			return domain.StatusFailed, true, true
		case domain.StatusFailed:
			return from, false, true
		}
	case EventCancel:
		switch from {
		case domain.StatusPending:
			return domain.StatusCancelled, true, true
		case domain.StatusCancelled:
			return from, false, true
		}
	}
	return from, false, false
}

// Transition applies event to a transaction. Terminal transitions settle or
// release the reservation before the status is written, so a crash between
// the two is repaired by replaying the event. Replaying an event that has
// already been applied returns the transaction unchanged.
func (m *Machine) Transition(ctx context.Context, txID string, event Event, reason string) (*domain.Transaction, error) {
	var (
		out  *domain.Transaction
		from domain.Status
		done bool
	)
	err := m.locks.WithLock(ctx, lock.TransactionKey(txID), func(ctx context.Context) error {
		t, err := m.store.GetTransaction(ctx, txID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		out = t
		from = t.Status

		to, ok, valid := next(t.Status, event)
		if !valid {
			return &domain.InvalidStateTransitionError{TransactionID: txID, From: t.Status, Event: string(event)}
		}
		if !ok {
			return nil
		}

		switch to {
		case domain.StatusCompleted:
			if _, err := m.ledger.Settle(ctx, txID); err != nil {
				return fmt.Errorf("failed to settle reservation: %w", err)
			}
		case domain.StatusFailed, domain.StatusCancelled:
			if _, err := m.ledger.Release(ctx, txID); err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
				return fmt.Errorf("failed to release reservation: %w", err)
			}
		}

		now := m.now().UTC()
		t.Status = to
		switch to {
		case domain.StatusProcessing:
			t.ProcessingAt = &now
		case domain.StatusCompleted:
			t.CompletedAt = &now
		case domain.StatusFailed:
			t.FailedAt = &now
			if reason != "" {
				t.ErrorMessage = reason
			}
		case domain.StatusCancelled:
			t.CancelledAt = &now
		}
		if err := m.store.UpdateTransaction(ctx, t, from); err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return out, err
	}
	if !done {
		m.metrics.RecordIdempotentReplay("transition")
		return out, nil
	}

	m.metrics.RecordTransition(string(from), string(out.Status))
	m.logger.InfoContext(ctx, "transaction transitioned",
		"transaction_id", txID,
		"event", event,
		"from", from,
		"to", out.Status,
	)
	m.publish(ctx, out, from)
	return out, nil
}

// Cancel cancels a transaction that has not been dispatched.
func (m *Machine) Cancel(ctx context.Context, txID string) (*domain.Transaction, error) {
	return m.Transition(ctx, txID, EventCancel, "")
}

// MarkReview flags a transaction for manual attention without changing its status.
func (m *Machine) MarkReview(ctx context.Context, txID, reason string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := m.locks.WithLock(ctx, lock.TransactionKey(txID), func(ctx context.Context) error {
		t, err := m.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		out = t
		if t.NeedsReview {
			return nil
		}
		t.NeedsReview = true
		if t.ErrorMessage == "" {
			t.ErrorMessage = reason
		}
		return m.store.UpdateTransaction(ctx, t, t.Status)
	})
	if err != nil {
		return out, err
	}
	m.logger.WarnContext(ctx, "transaction flagged for review", "transaction_id", txID, "reason", reason)
	m.publish(ctx, out, out.Status)
	return out, nil
}

// Get returns a transaction by ID.
func (m *Machine) Get(ctx context.Context, txID string) (*domain.Transaction, error) {
	return m.store.GetTransaction(ctx, txID)
}

// List returns transactions matching f, newest first.
func (m *Machine) List(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return m.store.ListTransactions(ctx, f)
}

// Summary aggregates transactions matching f.
func (m *Machine) Summary(ctx context.Context, f domain.TransactionFilter) (*domain.Summary, error) {
	return m.store.SummarizeTransactions(ctx, f)
}

func (m *Machine) publish(ctx context.Context, t *domain.Transaction, previous domain.Status) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishTransaction(ctx, natspkg.FromTransaction(t, previous)); err != nil {
		// The stream is best effort; the database is the record.
		m.logger.WarnContext(ctx, "failed to publish transaction event",
			"transaction_id", t.ID, "status", t.Status, "error", err)
	}
}
