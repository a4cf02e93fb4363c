package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDollars(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"50000", 5_000_000, false},
		{"2,200", 220_000, false},
		{"2200.01", 220_001, false},
		{"$12.5", 1250, false},
		{" 0.01 ", 1, false},
		{"0.001", 0, true},
		{"0", 0, true},
		{"-5", 0, true},
		{"ten", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDollars(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$50000.00", formatCents(5_000_000))
	assert.Equal(t, "$0.01", formatCents(1))
	assert.Equal(t, "$0.00", formatCents(0))
	assert.Equal(t, "$-12.50", formatCents(-1250))
}

func TestRunJQ(t *testing.T) {
	v := []map[string]interface{}{
		{"id": "tx-1", "status": "COMPLETED", "amount": 100},
		{"id": "tx-2", "status": "FAILED", "amount": 200},
	}

	tests := []struct {
		name    string
		expr    string
		want    string
		wantErr bool
	}{
		{"field projection", `.[].id`, "\"tx-1\"\n\"tx-2\"\n", false},
		{"select", `map(select(.status == "FAILED")) | length`, "1\n", false},
		{"sum", `map(.amount) | add`, "300\n", false},
		{"runtime error", `.[0].id | tonumber`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := compileJQ(tt.expr)
			require.NoError(t, err)
			var buf bytes.Buffer
			err = runJQ(code, v, &buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
		})
	}

	_, err := compileJQ(`.[`)
	assert.ErrorContains(t, err, "failed to parse jq filter")
}

func TestMatchesJQ(t *testing.T) {
	event := map[string]interface{}{"status": "COMPLETED", "amount": 5_000_000}

	tests := []struct {
		expr string
		want bool
	}{
		{`.status == "COMPLETED"`, true},
		{`.status == "FAILED"`, false},
		{`.amount > 1000`, true},
		{`.missing`, false},
		{`.status`, true},
		{`.status | tonumber`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			code, err := compileJQ(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, matchesJQ(code, event))
		})
	}
}
