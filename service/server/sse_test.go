package server

import (
	"net/http/httptest"
	"testing"

	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/stretchr/testify/assert"
)

func TestStreamFilter(t *testing.T) {
	event := &natspkg.TransactionEvent{TransactionID: "tx-1", OfferingID: "offering.1", UserID: "investor-1"}

	tests := []struct {
		name        string
		query       string
		wantSubject string
		wantMatch   bool
	}{
		{"everything", "", "txns.*", true},
		{"offering subject is sanitized", "?offering_id=offering.1", "txns.offering_1", true},
		{"matching transaction", "?transaction_id=tx-1", "txns.*", true},
		{"other transaction", "?transaction_id=tx-2", "txns.*", false},
		{"other user", "?user_id=investor-2", "txns.*", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := filterFromRequest(httptest.NewRequest("GET", "/api/v1/stream/transactions"+tt.query, nil))
			assert.Equal(t, tt.wantSubject, f.subject())
			assert.Equal(t, tt.wantMatch, f.matches(event))
		})
	}
}

func TestWriteSSE(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSE(w, "transaction", []byte(`{"transaction_id":"tx-1"}`))
	assert.Equal(t, "event: transaction\ndata: {\"transaction_id\":\"tx-1\"}\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}
