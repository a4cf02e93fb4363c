package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/brojonat/escrowd/service/domain"
)

// Fake is an in-memory PaymentProvider and BankLinkProvider for tests.
// Payments stay PROCESSING until Complete or Fail is called.
type Fake struct {
	name domain.Provider

	// CreateErr, when set, is returned by CreatePayment.
	CreateErr error
	// Verification overrides VerificationStatus results by bank account ID.
	Verification map[string]domain.VerificationStatus

	mu       sync.RWMutex
	seq      int
	payments map[string]*Payment
	byKey    map[string]string
	requests []PaymentRequest
}

// NewFake creates a fake provider reporting name.
func NewFake(name domain.Provider) *Fake {
	return &Fake{
		name:         name,
		Verification: make(map[string]domain.VerificationStatus),
		payments:     make(map[string]*Payment),
		byKey:        make(map[string]string),
	}
}

func (f *Fake) Name() domain.Provider { return f.name }

func (f *Fake) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if ref, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		p := *f.payments[ref]
		return &p, nil
	}
	f.seq++
	ref := fmt.Sprintf("%s_%d", prefix(f.name), f.seq)
	f.payments[ref] = &Payment{Reference: ref, Status: PaymentProcessing}
	f.byKey[req.IdempotencyKey] = ref
	p := *f.payments[ref]
	return &p, nil
}

func (f *Fake) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.payments[reference]
	if !ok {
		return nil, &domain.ProviderError{Provider: f.name, Op: "get_payment", StatusCode: 404, Err: fmt.Errorf("no such payment %s", reference)}
	}
	out := *p
	return &out, nil
}

func (f *Fake) VerificationStatus(ctx context.Context, account *domain.BankAccount) (domain.VerificationStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.Verification[account.ID]; ok {
		return s, nil
	}
	return account.VerificationStatus, nil
}

// Complete marks a payment succeeded.
func (f *Fake) Complete(reference string) { f.set(reference, PaymentSucceeded, "") }

// Fail marks a payment failed.
func (f *Fake) Fail(reference, reason string) { f.set(reference, PaymentFailed, reason) }

func (f *Fake) set(reference string, status PaymentStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[reference]; ok {
		p.Status = status
		p.FailureReason = reason
	}
}

// Requests returns every CreatePayment call received.
func (f *Fake) Requests() []PaymentRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PaymentRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func prefix(p domain.Provider) string {
	if p == domain.ProviderStripe {
		return "pi"
	}
	return "tr"
}
