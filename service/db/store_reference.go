package db

import (
	"context"
	"fmt"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5"
)

// ListTransactionLimits returns every configured regulatory limit.
func (s *Store) ListTransactionLimits(ctx context.Context) ([]domain.TransactionLimit, error) {
	rows, err := s.pool.Query(ctx, `SELECT limit_type, amount, currency FROM transaction_limits ORDER BY limit_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction limits: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionLimit
	for rows.Next() {
		var l domain.TransactionLimit
		var typ string
		if err := rows.Scan(&typ, &l.Amount, &l.Currency); err != nil {
			return nil, err
		}
		l.LimitType = domain.LimitType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertTransactionLimit sets a limit. Only the admin CLI calls this.
func (s *Store) UpsertTransactionLimit(ctx context.Context, l domain.TransactionLimit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transaction_limits (limit_type, amount, currency) VALUES ($1, $2, $3)
		ON CONFLICT (limit_type) DO UPDATE SET amount = EXCLUDED.amount, currency = EXCLUDED.currency`,
		string(l.LimitType), l.Amount, l.Currency)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction limit: %w", err)
	}
	return nil
}

const bankAccountColumns = `id, user_id, holder_name, account_number_enc, routing_number_enc,
	routing_number_hash, account_last4, verification_status, plaid_item_id, plaid_account_id, created_at`

func scanBankAccount(row pgx.Row) (*domain.BankAccount, error) {
	var b domain.BankAccount
	var status string
	err := row.Scan(&b.ID, &b.UserID, &b.HolderName, &b.AccountNumberEnc, &b.RoutingNumberEnc,
		&b.RoutingNumberHash, &b.AccountLast4, &status, &b.PlaidItemID, &b.PlaidAccountID, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	b.VerificationStatus = domain.VerificationStatus(status)
	return &b, nil
}

// GetBankAccount retrieves a bank account by ID.
func (s *Store) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	return scanBankAccount(s.pool.QueryRow(ctx, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE id = $1`, id))
}

// FindBankAccountsByRoutingHash returns accounts whose routing number hashes to hash.
func (s *Store) FindBankAccountsByRoutingHash(ctx context.Context, hash string) ([]*domain.BankAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bankAccountColumns+` FROM bank_accounts WHERE routing_number_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to find bank accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.BankAccount
	for rows.Next() {
		b, err := scanBankAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBankAccount inserts an already-encrypted bank account.
func (s *Store) CreateBankAccount(ctx context.Context, b *domain.BankAccount) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (id, user_id, holder_name, account_number_enc, routing_number_enc,
			routing_number_hash, account_last4, verification_status, plaid_item_id, plaid_account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		b.ID, b.UserID, b.HolderName, b.AccountNumberEnc, b.RoutingNumberEnc, b.RoutingNumberHash,
		b.AccountLast4, string(b.VerificationStatus), b.PlaidItemID, b.PlaidAccountID,
	).Scan(&b.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert bank account: %w", err)
	}
	return nil
}

// GetInvestor retrieves an investor profile.
func (s *Store) GetInvestor(ctx context.Context, userID string) (*domain.Investor, error) {
	var inv domain.Investor
	var kyc string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, legal_name, country, kyc_status, accredited, annual_income, net_worth, sanctions_flag, updated_at
		FROM investors WHERE user_id = $1`, userID,
	).Scan(&inv.UserID, &inv.LegalName, &inv.Country, &kyc, &inv.Accredited, &inv.AnnualIncome,
		&inv.NetWorth, &inv.SanctionsFlag, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	inv.KYCStatus = domain.KYCStatus(kyc)
	return &inv, nil
}

// UpsertInvestor mirrors an investor profile from the user service.
func (s *Store) UpsertInvestor(ctx context.Context, inv *domain.Investor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO investors (user_id, legal_name, country, kyc_status, accredited, annual_income, net_worth, sanctions_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			legal_name = EXCLUDED.legal_name, country = EXCLUDED.country, kyc_status = EXCLUDED.kyc_status,
			accredited = EXCLUDED.accredited, annual_income = EXCLUDED.annual_income,
			net_worth = EXCLUDED.net_worth, sanctions_flag = EXCLUDED.sanctions_flag, updated_at = now()`,
		inv.UserID, inv.LegalName, inv.Country, string(inv.KYCStatus), inv.Accredited,
		inv.AnnualIncome, inv.NetWorth, inv.SanctionsFlag)
	if err != nil {
		return fmt.Errorf("failed to upsert investor: %w", err)
	}
	return nil
}
