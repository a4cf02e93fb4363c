package nats

import (
	"context"
	"sync"

	"github.com/brojonat/escrowd/service/domain"
)

// MockPublisher records transaction events in memory so tests can check
// what a state change announced, per transaction or per offering.
type MockPublisher struct {
	mu      sync.RWMutex
	events  []*TransactionEvent
	failing error
	closed  bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransaction records a copy of the event, or returns the error set
// by FailWith without recording anything.
func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing != nil {
		return m.failing
	}
	ev := *event
	m.events = append(m.events, &ev)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWith makes every following publish return err. Pass nil to recover.
func (m *MockPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

func (m *MockPublisher) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Events returns every recorded event, oldest first.
func (m *MockPublisher) Events() []*TransactionEvent {
	return m.filter(func(*TransactionEvent) bool { return true })
}

// ForTransaction returns the status changes published for one transaction, oldest first.
func (m *MockPublisher) ForTransaction(txID string) []*TransactionEvent {
	return m.filter(func(e *TransactionEvent) bool { return e.TransactionID == txID })
}

// ForOffering returns what an SSE subscriber filtered to one offering would see.
func (m *MockPublisher) ForOffering(offeringID string) []*TransactionEvent {
	return m.filter(func(e *TransactionEvent) bool { return e.OfferingID == offeringID })
}

// StatusTrail lists the statuses one transaction was announced in, e.g.
// PENDING, PROCESSING, COMPLETED.
func (m *MockPublisher) StatusTrail(txID string) []domain.Status {
	events := m.ForTransaction(txID)
	trail := make([]domain.Status, len(events))
	for i, e := range events {
		trail[i] = e.Status
	}
	return trail
}

// CountStatus counts events announcing status across all transactions.
func (m *MockPublisher) CountStatus(status domain.Status) int {
	return len(m.filter(func(e *TransactionEvent) bool { return e.Status == status }))
}

func (m *MockPublisher) filter(keep func(*TransactionEvent) bool) []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TransactionEvent, 0, len(m.events))
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
