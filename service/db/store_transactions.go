package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, type, status, payment_method, amount, fee_amount, net_amount,
	idempotency_key, from_user_id, to_user_id, bank_account_id, offering_id, escrow_account_id,
	provider, provider_reference, compliance_reason, error_message, needs_review,
	initiated_at, processing_at, completed_at, failed_at, cancelled_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, status, method, provider, reason string
	err := row.Scan(&t.ID, &typ, &status, &method, &t.Amount, &t.FeeAmount, &t.NetAmount,
		&t.IdempotencyKey, &t.FromUserID, &t.ToUserID, &t.BankAccountID, &t.OfferingID, &t.EscrowAccountID,
		&provider, &t.ProviderReference, &reason, &t.ErrorMessage, &t.NeedsReview,
		&t.InitiatedAt, &t.ProcessingAt, &t.CompletedAt, &t.FailedAt, &t.CancelledAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.Status(status)
	t.PaymentMethod = domain.PaymentMethod(method)
	t.Provider = domain.Provider(provider)
	t.ComplianceReason = domain.Reason(reason)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTransaction inserts a transaction. A duplicate idempotency key
// returns domain.ErrDuplicate so the caller can load the winner.
func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, now())
		RETURNING updated_at`,
		t.ID, string(t.Type), string(t.Status), string(t.PaymentMethod), t.Amount, t.FeeAmount, t.NetAmount,
		t.IdempotencyKey, t.FromUserID, t.ToUserID, t.BankAccountID, t.OfferingID, t.EscrowAccountID,
		string(t.Provider), t.ProviderReference, string(t.ComplianceReason), t.ErrorMessage, t.NeedsReview,
		t.InitiatedAt, t.ProcessingAt, t.CompletedAt, t.FailedAt, t.CancelledAt,
	).Scan(&t.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

// GetTransactionByIdempotencyKey retrieves the transaction created for key.
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// GetTransactionByProviderReference resolves a provider payment reference.
func (s *Store) GetTransactionByProviderReference(ctx context.Context, provider domain.Provider, ref string) (*domain.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_reference = $2`,
		string(provider), ref))
}

// UpdateTransaction writes every mutable column, provided the stored status
// still equals expected. A lost race returns domain.ErrConflict.
func (s *Store) UpdateTransaction(ctx context.Context, t *domain.Transaction, expected domain.Status) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE transactions SET
			status = $3, provider = $4, provider_reference = $5, compliance_reason = $6,
			error_message = $7, needs_review = $8, processing_at = $9, completed_at = $10,
			failed_at = $11, cancelled_at = $12, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		t.ID, string(expected), string(t.Status), string(t.Provider), t.ProviderReference,
		string(t.ComplianceReason), t.ErrorMessage, t.NeedsReview,
		t.ProcessingAt, t.CompletedAt, t.FailedAt, t.CancelledAt,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

func filterClause(f domain.TransactionFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("(from_user_id = $%d OR to_user_id = $%d)", len(args), len(args)))
	}
	if f.OfferingID != "" {
		add("offering_id = $%d", f.OfferingID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTransactions returns transactions matching f, newest first.
func (s *Store) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	where, args := filterClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s FROM transactions%s ORDER BY initiated_at DESC, id LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// SummarizeTransactions aggregates counts and amounts for transactions matching f.
func (s *Store) SummarizeTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.Summary, error) {
	where, args := filterClause(f)
	rows, err := s.pool.Query(ctx, `
		SELECT type, status, count(*), COALESCE(sum(amount), 0), count(*) FILTER (WHERE needs_review)
		FROM transactions`+where+` GROUP BY type, status`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize transactions: %w", err)
	}
	defer rows.Close()

	acc := NewSummaryBuilder()
	for rows.Next() {
		var typ, status string
		var count, amount, review int64
		if err := rows.Scan(&typ, &status, &count, &amount, &review); err != nil {
			return nil, err
		}
		acc.Add(domain.TransactionType(typ), domain.Status(status), count, amount, review)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.Summary(), nil
}

// SumInvestorInflows totals the investor's live investments initiated at or
// after since. Failed and cancelled transactions do not count.
func (s *Store) SumInvestorInflows(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(amount), 0) FROM transactions
		WHERE from_user_id = $1 AND type = $2 AND initiated_at >= $3
		  AND status IN ($4, $5, $6)`,
		userID, string(domain.TypeInvestment), since,
		string(domain.StatusPending), string(domain.StatusProcessing), string(domain.StatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum investor inflows: %w", err)
	}
	return total, nil
}

// ListStaleTransactions returns PROCESSING transactions that entered
// processing before cutoff, oldest first.
func (s *Store) ListStaleTransactions(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND processing_at < $2
		ORDER BY processing_at LIMIT $3`,
		string(domain.StatusProcessing), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return collectTransactions(rows)
}

// SummaryBuilder folds per-(type, status) aggregates into a domain.Summary.
type SummaryBuilder struct {
	s *domain.Summary
}

// NewSummaryBuilder returns an empty builder.
func NewSummaryBuilder() *SummaryBuilder {
	return &SummaryBuilder{s: &domain.Summary{
		CountByStatus:  map[domain.Status]int64{},
		AmountByStatus: map[domain.Status]int64{},
	}}
}

// Add records count transactions of one type and status totalling amount.
func (b *SummaryBuilder) Add(typ domain.TransactionType, status domain.Status, count, amount, review int64) {
	s := b.s
	s.Count += count
	s.CountByStatus[status] += count
	s.AmountByStatus[status] += amount
	s.NeedsReview += review
	switch {
	case status == domain.StatusPending || status == domain.StatusProcessing:
		s.TotalPending += amount
	case status != domain.StatusCompleted:
	case typ == domain.TypeInvestment:
		s.TotalInvested += amount
	case typ == domain.TypeDistribution:
		s.TotalDistributed += amount
	case typ == domain.TypeRefund:
		s.TotalRefunded += amount
	}
}

// Summary returns the accumulated summary.
func (b *SummaryBuilder) Summary() *domain.Summary { return b.s }
