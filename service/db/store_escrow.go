package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5"
)

const escrowColumns = `id, offering_id, regulation_mode, current_balance, available_balance,
	pending_balance, pending_outbound, held_balance, total_deposits, total_withdrawals,
	total_distributions, status, version, created_at, updated_at`

func scanEscrowAccount(row pgx.Row) (*domain.EscrowAccount, error) {
	var a domain.EscrowAccount
	var mode, status string
	err := row.Scan(&a.ID, &a.OfferingID, &mode, &a.CurrentBalance, &a.AvailableBalance,
		&a.PendingBalance, &a.PendingOutbound, &a.HeldBalance, &a.TotalDeposits, &a.TotalWithdrawals,
		&a.TotalDistributions, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.RegulationMode = domain.RegulationMode(mode)
	a.Status = domain.AccountStatus(status)
	return &a, nil
}

// CreateEscrowAccount inserts a new account. A second account for the same
// offering returns domain.ErrDuplicate.
func (s *Store) CreateEscrowAccount(ctx context.Context, a *domain.EscrowAccount) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO escrow_accounts (id, offering_id, regulation_mode, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		a.ID, a.OfferingID, string(a.RegulationMode), string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert escrow account: %w", err)
	}
	return nil
}

// GetEscrowAccount retrieves an account by ID.
func (s *Store) GetEscrowAccount(ctx context.Context, id string) (*domain.EscrowAccount, error) {
	return scanEscrowAccount(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id))
}

// GetEscrowAccountByOffering retrieves the account for an offering.
func (s *Store) GetEscrowAccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	return scanEscrowAccount(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE offering_id = $1`, offeringID))
}

// ListEscrowAccounts returns every account ordered by offering.
func (s *Store) ListEscrowAccounts(ctx context.Context) ([]*domain.EscrowAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts ORDER BY offering_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.EscrowAccount
	for rows.Next() {
		a, err := scanEscrowAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MutateEscrowAccount locks the account row with SELECT ... FOR UPDATE, runs
// fn against it and persists the result in the same database transaction.
// Any error from fn rolls back everything fn staged. When fn changes
// nothing the row is not rewritten and its version is unchanged.
func (s *Store) MutateEscrowAccount(ctx context.Context, accountID string, fn MutateFunc) (*domain.EscrowAccount, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	acct, err := scanEscrowAccount(tx.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, err
	}

	before := *acct
	ptx := &pgAccountTx{tx: tx, account: acct}
	if err := fn(ctx, ptx); err != nil {
		return nil, err
	}

	a := ptx.account
	if !ptx.dirty && *a == before {
		return a, nil
	}
	err = tx.QueryRow(ctx, `
		UPDATE escrow_accounts SET
			current_balance = $2, available_balance = $3, pending_balance = $4,
			pending_outbound = $5, held_balance = $6, total_deposits = $7,
			total_withdrawals = $8, total_distributions = $9, status = $10,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version, updated_at`,
		a.ID, a.CurrentBalance, a.AvailableBalance, a.PendingBalance, a.PendingOutbound,
		a.HeldBalance, a.TotalDeposits, a.TotalWithdrawals, a.TotalDistributions, string(a.Status),
	).Scan(&a.Version, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit escrow mutation: %w", err)
	}
	return a, nil
}

type pgAccountTx struct {
	tx      pgx.Tx
	account *domain.EscrowAccount
	dirty   bool
}

func (p *pgAccountTx) Account() *domain.EscrowAccount { return p.account }

func (p *pgAccountTx) Reservation(ctx context.Context, txID string) (*domain.Reservation, error) {
	r, err := scanReservation(p.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM escrow_reservations WHERE transaction_id = $1 FOR UPDATE`, txID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrReservationNotFound
	}
	return r, err
}

func (p *pgAccountTx) PutReservation(ctx context.Context, r *domain.Reservation) error {
	p.dirty = true
	_, err := p.tx.Exec(ctx, `
		INSERT INTO escrow_reservations
			(transaction_id, escrow_account_id, amount, direction, kind, status, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE SET
			status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at`,
		r.TransactionID, r.EscrowAccountID, r.Amount, string(r.Direction), string(r.Kind),
		string(r.Status), r.CreatedAt, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to write reservation: %w", err)
	}
	return nil
}

func (p *pgAccountTx) AppendEntry(ctx context.Context, e *domain.LedgerEntry) error {
	p.dirty = true
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, escrow_account_id, transaction_id, op, amount, reason,
			 current_balance, available_balance, pending_balance, held_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.EscrowAccountID, e.TransactionID, string(e.Op), e.Amount, e.Reason,
		e.CurrentBalance, e.AvailableBalance, e.PendingBalance, e.HeldBalance, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

const reservationColumns = `transaction_id, escrow_account_id, amount, direction, kind, status, created_at, resolved_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	var dir, kind, status string
	err := row.Scan(&r.TransactionID, &r.EscrowAccountID, &r.Amount, &dir, &kind, &status, &r.CreatedAt, &r.ResolvedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Direction = domain.Direction(dir)
	r.Kind = domain.TransactionType(kind)
	r.Status = domain.ReservationStatus(status)
	return &r, nil
}

// GetReservation retrieves the reservation made for a transaction.
func (s *Store) GetReservation(ctx context.Context, txID string) (*domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM escrow_reservations WHERE transaction_id = $1`, txID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrReservationNotFound
	}
	return r, err
}

// ListLedgerEntries returns the newest journal entries for an account.
func (s *Store) ListLedgerEntries(ctx context.Context, accountID string, limit int32) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, escrow_account_id, transaction_id, op, amount, reason,
			current_balance, available_balance, pending_balance, held_balance, created_at
		FROM ledger_entries WHERE escrow_account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var op string
		if err := rows.Scan(&e.ID, &e.EscrowAccountID, &e.TransactionID, &op, &e.Amount, &e.Reason,
			&e.CurrentBalance, &e.AvailableBalance, &e.PendingBalance, &e.HeldBalance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Op = domain.LedgerOp(op)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func timePtr(t time.Time) *time.Time { return &t }
