package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/escrowd/service/domain"
)

// MemoryStore is an in-process store with the same semantics as Store.
// It backs unit tests and local runs without Postgres. All reads return
// copies so callers cannot mutate stored state.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*domain.EscrowAccount
	reservations map[string]*domain.Reservation
	entries      []*domain.LedgerEntry
	txns         map[string]*domain.Transaction
	events       map[string]*domain.WebhookEvent
	limits       map[domain.LimitType]domain.TransactionLimit
	banks        map[string]*domain.BankAccount
	investors    map[string]*domain.Investor
	seq          int64
	now          func() time.Time

	// accountLocks serializes MutateEscrowAccount per account, standing in
	// for the row lock Postgres takes.
	accountLocks map[string]*sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     map[string]*domain.EscrowAccount{},
		reservations: map[string]*domain.Reservation{},
		txns:         map[string]*domain.Transaction{},
		events:       map[string]*domain.WebhookEvent{},
		limits:       map[domain.LimitType]domain.TransactionLimit{},
		banks:        map[string]*domain.BankAccount{},
		investors:    map[string]*domain.Investor{},
		accountLocks: map[string]*sync.Mutex{},
		now:          time.Now,
	}
}

// SetClock overrides the time source used for generated timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Migrate is a no-op for the memory store.
func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func cloneAccount(a *domain.EscrowAccount) *domain.EscrowAccount {
	c := *a
	return &c
}

func cloneTxn(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func cloneEvent(e *domain.WebhookEvent) *domain.WebhookEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// CreateEscrowAccount implements Store.CreateEscrowAccount.
func (m *MemoryStore) CreateEscrowAccount(ctx context.Context, a *domain.EscrowAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.OfferingID == a.OfferingID {
			return domain.ErrDuplicate
		}
	}
	if _, ok := m.accounts[a.ID]; ok {
		return domain.ErrDuplicate
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	m.accounts[a.ID] = cloneAccount(a)
	m.accountLocks[a.ID] = &sync.Mutex{}
	return nil
}

// GetEscrowAccount implements Store.GetEscrowAccount.
func (m *MemoryStore) GetEscrowAccount(ctx context.Context, id string) (*domain.EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAccount(a), nil
}

// GetEscrowAccountByOffering implements Store.GetEscrowAccountByOffering.
func (m *MemoryStore) GetEscrowAccountByOffering(ctx context.Context, offeringID string) (*domain.EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.OfferingID == offeringID {
			return cloneAccount(a), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListEscrowAccounts implements Store.ListEscrowAccounts.
func (m *MemoryStore) ListEscrowAccounts(ctx context.Context) ([]*domain.EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.EscrowAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferingID < out[j].OfferingID })
	return out, nil
}

// MutateEscrowAccount implements Store.MutateEscrowAccount. Staged
// reservations and entries are applied only when fn returns nil. A call
// that changes nothing leaves the version alone.
func (m *MemoryStore) MutateEscrowAccount(ctx context.Context, accountID string, fn MutateFunc) (*domain.EscrowAccount, error) {
	m.mu.Lock()
	lk, ok := m.accountLocks[accountID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	snapshot := cloneAccount(m.accounts[accountID])
	m.mu.Unlock()

	before := *snapshot
	mtx := &memAccountTx{store: m, account: snapshot, staged: map[string]*domain.Reservation{}}
	if err := fn(ctx, mtx); err != nil {
		return nil, err
	}
	if len(mtx.staged) == 0 && len(mtx.entries) == 0 && *snapshot == before {
		return snapshot, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot.Version++
	snapshot.UpdatedAt = m.now()
	m.accounts[accountID] = cloneAccount(snapshot)
	for id, r := range mtx.staged {
		c := *r
		m.reservations[id] = &c
	}
	m.entries = append(m.entries, mtx.entries...)
	return snapshot, nil
}

type memAccountTx struct {
	store   *MemoryStore
	account *domain.EscrowAccount
	staged  map[string]*domain.Reservation
	entries []*domain.LedgerEntry
}

func (t *memAccountTx) Account() *domain.EscrowAccount { return t.account }

func (t *memAccountTx) Reservation(ctx context.Context, txID string) (*domain.Reservation, error) {
	if r, ok := t.staged[txID]; ok {
		c := *r
		return &c, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.reservations[txID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	c := *r
	return &c, nil
}

func (t *memAccountTx) PutReservation(ctx context.Context, r *domain.Reservation) error {
	c := *r
	t.staged[r.TransactionID] = &c
	return nil
}

func (t *memAccountTx) AppendEntry(ctx context.Context, e *domain.LedgerEntry) error {
	c := *e
	t.entries = append(t.entries, &c)
	return nil
}

// GetReservation implements Store.GetReservation.
func (m *MemoryStore) GetReservation(ctx context.Context, txID string) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[txID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	c := *r
	return &c, nil
}

// ListLedgerEntries implements Store.ListLedgerEntries.
func (m *MemoryStore) ListLedgerEntries(ctx context.Context, accountID string, limit int32) ([]*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && int32(len(out)) < limit; i-- {
		if m.entries[i].EscrowAccountID == accountID {
			c := *m.entries[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// CreateTransaction implements Store.CreateTransaction.
func (m *MemoryStore) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[t.ID]; ok {
		return domain.ErrDuplicate
	}
	for _, existing := range m.txns {
		if existing.IdempotencyKey == t.IdempotencyKey {
			return domain.ErrDuplicate
		}
	}
	t.UpdatedAt = m.now()
	m.txns[t.ID] = cloneTxn(t)
	return nil
}

// GetTransaction implements Store.GetTransaction.
func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTxn(t), nil
}

// GetTransactionByIdempotencyKey implements Store.GetTransactionByIdempotencyKey.
func (m *MemoryStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.IdempotencyKey == key {
			return cloneTxn(t), nil
		}
	}
	return nil, domain.ErrNotFound
}

// GetTransactionByProviderReference implements Store.GetTransactionByProviderReference.
func (m *MemoryStore) GetTransactionByProviderReference(ctx context.Context, provider domain.Provider, ref string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.Provider == provider && t.ProviderReference == ref && ref != "" {
			return cloneTxn(t), nil
		}
	}
	return nil, domain.ErrNotFound
}

// UpdateTransaction implements Store.UpdateTransaction.
func (m *MemoryStore) UpdateTransaction(ctx context.Context, t *domain.Transaction, expected domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txns[t.ID]
	if !ok || cur.Status != expected {
		return domain.ErrConflict
	}
	t.UpdatedAt = m.now()
	next := cloneTxn(cur)
	next.Status = t.Status
	next.Provider = t.Provider
	next.ProviderReference = t.ProviderReference
	next.ComplianceReason = t.ComplianceReason
	next.ErrorMessage = t.ErrorMessage
	next.NeedsReview = t.NeedsReview
	next.ProcessingAt = t.ProcessingAt
	next.CompletedAt = t.CompletedAt
	next.FailedAt = t.FailedAt
	next.CancelledAt = t.CancelledAt
	next.UpdatedAt = t.UpdatedAt
	m.txns[t.ID] = next
	return nil
}

func matches(t *domain.Transaction, f domain.TransactionFilter) bool {
	if f.UserID != "" && t.FromUserID != f.UserID && t.ToUserID != f.UserID {
		return false
	}
	if f.OfferingID != "" && t.OfferingID != f.OfferingID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}

// ListTransactions implements Store.ListTransactions.
func (m *MemoryStore) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*domain.Transaction
	for _, t := range m.txns {
		if matches(t, f) {
			all = append(all, cloneTxn(t))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].InitiatedAt.Equal(all[j].InitiatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].InitiatedAt.After(all[j].InitiatedAt)
	})
	limit := int(f.Limit)
	if limit <= 0 {
		limit = 100
	}
	start := int(f.Offset)
	if start > len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// SummarizeTransactions implements Store.SummarizeTransactions.
func (m *MemoryStore) SummarizeTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := NewSummaryBuilder()
	for _, t := range m.txns {
		if !matches(t, f) {
			continue
		}
		var review int64
		if t.NeedsReview {
			review = 1
		}
		b.Add(t.Type, t.Status, 1, t.Amount, review)
	}
	return b.Summary(), nil
}

// SumInvestorInflows implements Store.SumInvestorInflows.
func (m *MemoryStore) SumInvestorInflows(ctx context.Context, userID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.txns {
		if t.FromUserID != userID || t.Type != domain.TypeInvestment || t.InitiatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted:
			total += t.Amount
		}
	}
	return total, nil
}

// ListStaleTransactions implements Store.ListStaleTransactions.
func (m *MemoryStore) ListStaleTransactions(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range m.txns {
		if t.Status == domain.StatusProcessing && t.ProcessingAt != nil && t.ProcessingAt.Before(cutoff) {
			out = append(out, cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessingAt.Before(*out[j].ProcessingAt) })
	if limit > 0 && int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// InsertWebhookEventIfAbsent implements Store.InsertWebhookEventIfAbsent.
func (m *MemoryStore) InsertWebhookEventIfAbsent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.EventID]; ok {
		return false, nil
	}
	m.seq++
	e.Sequence = m.seq
	e.CreatedAt = m.now()
	m.events[e.EventID] = cloneEvent(e)
	return true, nil
}

// GetWebhookEvent implements Store.GetWebhookEvent.
func (m *MemoryStore) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEvent(e), nil
}

// UpdateWebhookEventStatus implements Store.UpdateWebhookEventStatus.
func (m *MemoryStore) UpdateWebhookEventStatus(ctx context.Context, eventID string, status domain.WebhookStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = status
	e.LastError = lastError
	e.Attempts++
	if status != domain.WebhookPending {
		e.ProcessedAt = timePtr(m.now())
	}
	return nil
}

// ListWebhookEvents implements Store.ListWebhookEvents.
func (m *MemoryStore) ListWebhookEvents(ctx context.Context, status domain.WebhookStatus, olderThan time.Time, limit int32) ([]*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WebhookEvent
	for _, e := range m.events {
		if e.Status != status {
			continue
		}
		if !olderThan.IsZero() && !e.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit <= 0 {
		limit = 100
	}
	if int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListTransactionLimits implements Store.ListTransactionLimits.
func (m *MemoryStore) ListTransactionLimits(ctx context.Context) ([]domain.TransactionLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TransactionLimit, 0, len(m.limits))
	for _, l := range m.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LimitType < out[j].LimitType })
	return out, nil
}

// UpsertTransactionLimit implements Store.UpsertTransactionLimit.
func (m *MemoryStore) UpsertTransactionLimit(ctx context.Context, l domain.TransactionLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Currency == "" {
		l.Currency = "USD"
	}
	m.limits[l.LimitType] = l
	return nil
}

// GetBankAccount implements Store.GetBankAccount.
func (m *MemoryStore) GetBankAccount(ctx context.Context, id string) (*domain.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *b
	return &c, nil
}

// FindBankAccountsByRoutingHash implements Store.FindBankAccountsByRoutingHash.
func (m *MemoryStore) FindBankAccountsByRoutingHash(ctx context.Context, hash string) ([]*domain.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BankAccount
	for _, b := range m.banks {
		if b.RoutingNumberHash == hash {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateBankAccount implements Store.CreateBankAccount.
func (m *MemoryStore) CreateBankAccount(ctx context.Context, b *domain.BankAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.banks[b.ID]; ok {
		return domain.ErrDuplicate
	}
	b.CreatedAt = m.now()
	c := *b
	m.banks[b.ID] = &c
	return nil
}

// GetInvestor implements Store.GetInvestor.
func (m *MemoryStore) GetInvestor(ctx context.Context, userID string) (*domain.Investor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investors[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *inv
	return &c, nil
}

// UpsertInvestor implements Store.UpsertInvestor.
func (m *MemoryStore) UpsertInvestor(ctx context.Context, inv *domain.Investor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inv
	c.UpdatedAt = m.now()
	m.investors[inv.UserID] = &c
	return nil
}
