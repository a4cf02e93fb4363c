package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTransaction(t *testing.T) {
	updated := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	txn := &domain.Transaction{
		ID:                "tx-1",
		Type:              domain.TypeInvestment,
		Status:            domain.StatusCompleted,
		PaymentMethod:     domain.MethodACH,
		Amount:            5_000_000,
		FromUserID:        "investor-1",
		ToUserID:          "sponsor-1",
		OfferingID:        "offering-1",
		EscrowAccountID:   "acct-1",
		Provider:          domain.ProviderPlaid,
		ProviderReference: "tr_1",
		UpdatedAt:         updated,
	}

	event := FromTransaction(txn, domain.StatusProcessing)
	assert.Equal(t, "tx-1", event.TransactionID)
	assert.Equal(t, "investor-1", event.UserID)
	assert.Equal(t, domain.StatusCompleted, event.Status)
	assert.Equal(t, domain.StatusProcessing, event.PreviousStatus)
	assert.Equal(t, updated, event.OccurredAt)
	assert.False(t, event.PublishedAt.IsZero())
	assert.Equal(t, "txns.offering-1", event.Subject())
}

func TestSubjectTokens(t *testing.T) {
	tests := []struct {
		offering string
		want     string
	}{
		{"", StreamSubjects},
		{"offering-1", "txns.offering-1"},
		{"a.b*c>d e", "txns.a_b_c_d_e"},
	}
	for _, tt := range tests {
		t.Run(tt.offering, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectFor(tt.offering))
		})
	}
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMockPublisher()

	events := []*TransactionEvent{
		{TransactionID: "a", OfferingID: "offering-1", Status: domain.StatusPending},
		{TransactionID: "b", OfferingID: "offering-2", Status: domain.StatusPending},
		{TransactionID: "a", OfferingID: "offering-1", Status: domain.StatusProcessing, PreviousStatus: domain.StatusPending},
		{TransactionID: "a", OfferingID: "offering-1", Status: domain.StatusCompleted, PreviousStatus: domain.StatusProcessing},
	}
	for _, e := range events {
		require.NoError(t, m.PublishTransaction(ctx, e))
	}

	// Recorded events are copies.
	events[0].Status = domain.StatusFailed
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted}, m.StatusTrail("a"))
	assert.Len(t, m.ForOffering("offering-1"), 3)
	assert.Len(t, m.ForOffering("offering-2"), 1)
	assert.Equal(t, 2, m.CountStatus(domain.StatusPending))
	assert.Empty(t, m.StatusTrail("missing"))

	m.FailWith(errors.New("nats down"))
	assert.Error(t, m.PublishTransaction(ctx, &TransactionEvent{TransactionID: "c"}))
	assert.Len(t, m.Events(), 4)
	m.FailWith(nil)
	require.NoError(t, m.PublishTransaction(ctx, &TransactionEvent{TransactionID: "c"}))
	assert.Len(t, m.Events(), 5)

	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}
