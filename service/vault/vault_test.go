package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewFromHex(testKeyHex)
	require.NoError(t, err)
	return v
}

func TestNew_KeyLength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "32 bytes", key: make([]byte, 32)},
		{name: "16 bytes", key: make([]byte, 16), wantErr: true},
		{name: "empty", key: nil, wantErr: true},
		{name: "33 bytes", key: make([]byte, 33), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewFromHex_Invalid(t *testing.T) {
	_, err := NewFromHex("not-hex")
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt("021000021")
	require.NoError(t, err)
	assert.NotContains(t, ct, "021000021")

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "021000021", pt)
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("123456789")
	require.NoError(t, err)
	b, err := v.Encrypt("123456789")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "same plaintext must not produce the same ciphertext")
}

func TestDecrypt_FailsClosed(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt("987654321")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	other, err := New([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	tests := []struct {
		name  string
		vault *Vault
		input string
	}{
		{name: "tampered tag", vault: v, input: tampered},
		{name: "wrong key", vault: other, input: ct},
		{name: "not base64", vault: v, input: "%%%"},
		{name: "truncated", vault: v, input: base64.StdEncoding.EncodeToString(raw[:4])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Decrypt(tt.input)
			assert.ErrorIs(t, err, ErrDecrypt)
			assert.Equal(t, ErrDecrypt.Error(), err.Error())
		})
	}
}

func TestHash(t *testing.T) {
	v := newTestVault(t)

	h1 := v.Hash("021000021")
	h2 := v.Hash("021000021")
	h3 := v.Hash("011000015")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)

	other, err := New([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	assert.NotEqual(t, h1, other.Hash("021000021"), "hash must be keyed")
}
