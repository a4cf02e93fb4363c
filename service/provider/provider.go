// Package provider talks to the external payment rails. Stripe and Plaid
// clients sit behind circuit breakers; the Fake provider stands in for both
// in tests.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/brojonat/escrowd/service/domain"
)

// PaymentStatus is a rail-neutral view of a payment's progress.
type PaymentStatus string

const (
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCanceled   PaymentStatus = "CANCELED"
)

// Terminal reports whether the rail will not change the status again.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentCanceled
}

// Destination is a decrypted bank destination. It only lives for the
// duration of a dispatch and is never logged or persisted.
type Destination struct {
	BankAccountID  string
	HolderName     string
	AccountNumber  string
	RoutingNumber  string
	PlaidItemID    string
	PlaidAccountID string
}

// String keeps account numbers out of logs.
func (d Destination) String() string {
	last4 := d.AccountNumber
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	return fmt.Sprintf("bank_account=%s ****%s", d.BankAccountID, last4)
}

// PaymentRequest asks a rail to move money.
type PaymentRequest struct {
	TransactionID string
	// IdempotencyKey is forwarded to the rail so retried dispatches never double charge.
	IdempotencyKey string
	Amount         int64
	Method         domain.PaymentMethod
	Direction      domain.Direction
	Description    string
	Destination    *Destination
	Metadata       map[string]string
}

// Payment is a rail's view of a dispatched payment.
type Payment struct {
	Reference     string        `json:"reference"`
	Status        PaymentStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// PaymentProvider dispatches payments and reports their status.
type PaymentProvider interface {
	Name() domain.Provider
	CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error)
	GetPayment(ctx context.Context, reference string) (*Payment, error)
}

// BankLinkProvider reports the live verification state of a linked bank account.
type BankLinkProvider interface {
	VerificationStatus(ctx context.Context, account *domain.BankAccount) (domain.VerificationStatus, error)
}

// Router picks the provider for a payment method.
type Router struct {
	routes    map[domain.PaymentMethod]PaymentProvider
	providers map[domain.Provider]PaymentProvider
}

// NewRouter builds a router from a method-to-provider table. Every provider
// named in routes must be among providers.
func NewRouter(routes map[domain.PaymentMethod]domain.Provider, providers ...PaymentProvider) (*Router, error) {
	r := &Router{
		routes:    make(map[domain.PaymentMethod]PaymentProvider, len(routes)),
		providers: make(map[domain.Provider]PaymentProvider, len(providers)),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	for method, name := range routes {
		if method == domain.MethodInternal {
			return nil, fmt.Errorf("INTERNAL transfers cannot be routed to a provider")
		}
		p, ok := r.providers[name]
		if !ok {
			return nil, fmt.Errorf("route %s -> %s: provider not configured", method, name)
		}
		r.routes[method] = p
	}
	return r, nil
}

// For returns the provider handling method.
func (r *Router) For(method domain.PaymentMethod) (PaymentProvider, error) {
	p, ok := r.routes[method]
	if !ok {
		return nil, domain.Invalid("payment_method", "no provider configured for %s", method)
	}
	return p, nil
}

// ByName returns a provider by name, used when reconciling an existing reference.
func (r *Router) ByName(name domain.Provider) (PaymentProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ParseRoutes parses "ACH=PLAID,WIRE=STRIPE" style route tables.
func ParseRoutes(s string) (map[domain.PaymentMethod]domain.Provider, error) {
	routes := make(map[domain.PaymentMethod]domain.Provider)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		method, name, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid route %q: expected METHOD=PROVIDER", part)
		}
		m := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(method)))
		if !m.Valid() || m == domain.MethodInternal {
			return nil, fmt.Errorf("invalid route %q: unknown payment method", part)
		}
		p := domain.Provider(strings.ToUpper(strings.TrimSpace(name)))
		if p != domain.ProviderStripe && p != domain.ProviderPlaid {
			return nil, fmt.Errorf("invalid route %q: unknown provider", part)
		}
		routes[m] = p
	}
	return routes, nil
}
