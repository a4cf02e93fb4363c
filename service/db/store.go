package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres-backed persistence for escrow accounts,
// transactions, webhook events and the read-only reference tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AccountTx is the view of a locked escrow account handed to a mutation.
// Changes made to Account() and through the methods below are persisted
// together when the mutation returns nil, and discarded otherwise.
type AccountTx interface {
	Account() *domain.EscrowAccount
	Reservation(ctx context.Context, txID string) (*domain.Reservation, error)
	PutReservation(ctx context.Context, r *domain.Reservation) error
	AppendEntry(ctx context.Context, e *domain.LedgerEntry) error
}

// MutateFunc applies a change to a locked account.
type MutateFunc func(ctx context.Context, tx AccountTx) error

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
