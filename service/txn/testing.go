package txn

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/escrowd/service/audit"
	"github.com/brojonat/escrowd/service/compliance"
	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/ledger"
	"github.com/brojonat/escrowd/service/lock"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/brojonat/escrowd/service/provider"
	"github.com/brojonat/escrowd/service/vault"
)

// Fixture identities.
const (
	FixtureOffering    = "offering-1"
	AccreditedInvestor = "investor-accredited"
	RetailInvestor     = "investor-retail"
	AccreditedBank     = "bank-accredited"
	RetailBank         = "bank-retail"
	SponsorUser        = "sponsor-1"
	SponsorBank        = "bank-sponsor"
)

// Fixture is a fully wired Machine backed by the in-memory store and fake
// rails. ACH routes to Plaid; WIRE and CHECK route to Stripe.
type Fixture struct {
	Machine   *Machine
	Store     *db.MemoryStore
	Ledger    *ledger.Ledger
	Gate      *compliance.Gate
	Stripe    *provider.Fake
	Plaid     *provider.Fake
	Router    *provider.Router
	Publisher *natspkg.MockPublisher
	Audit     *audit.MemorySink
	Vault     *vault.Vault
	Locks     *lock.Local
	Account   *domain.EscrowAccount
	Logger    *slog.Logger
}

// NewFixture builds a Fixture with one REG_D_506B offering, an accredited
// and a non-accredited investor, a sponsor, and the standard limits:
// $250,000 per transaction, a $2,200 ceiling on the non-accredited 10%
// rule, $100,000 daily and $300,000 monthly. No ANNUAL_INVESTMENT floor
// is seeded.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	v, err := vault.New(make([]byte, 32))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	store := db.NewMemoryStore()
	locks := lock.NewLocal()
	l := ledger.New(store, locks, v, logger)

	stripe := provider.NewFake(domain.ProviderStripe)
	plaid := provider.NewFake(domain.ProviderPlaid)
	router, err := provider.NewRouter(map[domain.PaymentMethod]domain.Provider{
		domain.MethodACH:   domain.ProviderPlaid,
		domain.MethodWire:  domain.ProviderStripe,
		domain.MethodCheck: domain.ProviderStripe,
	}, stripe, plaid)
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}

	sink := &audit.MemorySink{}
	gate := compliance.New(compliance.NewSanctionsList(nil, []string{"Sanctioned Person"}, nil), sink, logger)
	pub := natspkg.NewMockPublisher()

	f := &Fixture{
		Store:     store,
		Ledger:    l,
		Gate:      gate,
		Stripe:    stripe,
		Plaid:     plaid,
		Router:    router,
		Publisher: pub,
		Audit:     sink,
		Vault:     v,
		Locks:     locks,
		Logger:    logger,
	}
	f.Machine = New(Config{
		Store:     store,
		Ledger:    l,
		Gate:      gate,
		Router:    router,
		BankLink:  plaid,
		Locks:     locks,
		Publisher: pub,
		Logger:    logger,
	})

	f.Account, err = l.OpenAccount(ctx, FixtureOffering, domain.RegD506B)
	if err != nil {
		t.Fatalf("failed to open escrow account: %v", err)
	}

	for _, lim := range []domain.TransactionLimit{
		{LimitType: domain.LimitPerTransaction, Amount: 250_000_00},
		{LimitType: domain.LimitNonAccreditedInvestor, Amount: 2_200_00},
		{LimitType: domain.LimitDailyDeposit, Amount: 100_000_00},
		{LimitType: domain.LimitMonthlyDeposit, Amount: 300_000_00},
	} {
		if err := store.UpsertTransactionLimit(ctx, lim); err != nil {
			t.Fatalf("failed to seed limit: %v", err)
		}
	}

	f.AddInvestor(t, &domain.Investor{
		UserID:       AccreditedInvestor,
		LegalName:    "Grace Accredited",
		Country:      "US",
		KYCStatus:    domain.KYCVerified,
		Accredited:   true,
		AnnualIncome: 400_000_00,
		NetWorth:     2_000_000_00,
	}, AccreditedBank)
	f.AddInvestor(t, &domain.Investor{
		UserID:       RetailInvestor,
		LegalName:    "Ada Retail",
		Country:      "US",
		KYCStatus:    domain.KYCVerified,
		AnnualIncome: 100_000_00,
		NetWorth:     50_000_00,
	}, RetailBank)
	f.AddInvestor(t, &domain.Investor{
		UserID:     SponsorUser,
		LegalName:  "Sponsor LLC",
		Country:    "US",
		KYCStatus:  domain.KYCVerified,
		Accredited: true,
	}, SponsorBank)
	return f
}

// AddInvestor stores inv and, when bankID is set, a verified bank account
// owned by the investor.
func (f *Fixture) AddInvestor(t testing.TB, inv *domain.Investor, bankID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.Store.UpsertInvestor(ctx, inv); err != nil {
		t.Fatalf("failed to store investor: %v", err)
	}
	if bankID == "" {
		return
	}
	number, err := f.Vault.Encrypt("000123456789")
	if err != nil {
		t.Fatalf("failed to encrypt account number: %v", err)
	}
	routing, err := f.Vault.Encrypt("021000021")
	if err != nil {
		t.Fatalf("failed to encrypt routing number: %v", err)
	}
	err = f.Store.CreateBankAccount(ctx, &domain.BankAccount{
		ID:                 bankID,
		UserID:             inv.UserID,
		HolderName:         inv.LegalName,
		AccountNumberEnc:   number,
		RoutingNumberEnc:   routing,
		RoutingNumberHash:  f.Vault.Hash("021000021"),
		AccountLast4:       "6789",
		VerificationStatus: domain.VerificationVerified,
		PlaidItemID:        "item-" + inv.UserID,
		PlaidAccountID:     "acct-" + inv.UserID,
	})
	if err != nil {
		t.Fatalf("failed to store bank account: %v", err)
	}
}

// Fund settles an INTERNAL investment from the sponsor so payouts have
// available balance. It does not count against either investor's limits.
func (f *Fixture) Fund(t testing.TB, key string, amount int64) *domain.Transaction {
	t.Helper()
	txn, err := f.Machine.CreateInvestment(context.Background(), CreateRequest{
		IdempotencyKey: key,
		PaymentMethod:  domain.MethodInternal,
		Amount:         amount,
		FromUserID:     SponsorUser,
		OfferingID:     FixtureOffering,
	})
	if err != nil {
		t.Fatalf("failed to fund escrow: %v", err)
	}
	return txn
}

// Balance reloads the fixture's escrow account.
func (f *Fixture) Balance(t testing.TB) *domain.EscrowAccount {
	t.Helper()
	a, err := f.Ledger.Account(context.Background(), f.Account.ID)
	if err != nil {
		t.Fatalf("failed to load escrow account: %v", err)
	}
	return a
}
