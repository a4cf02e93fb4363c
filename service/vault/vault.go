// Package vault encrypts and hashes sensitive banking identifiers.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

// ErrDecrypt is returned for any decryption failure. It deliberately carries
// no detail about whether the key, nonce or tag was wrong.
var ErrDecrypt = errors.New("vault: unable to decrypt value")

// Vault performs AES-256-GCM encryption and keyed one-way hashing.
// Separate subkeys for each purpose are derived from the master key.
type Vault struct {
	aead    cipher.AEAD
	hashKey []byte
}

// New creates a Vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}

	encKey, err := derive(key, "escrowd/vault/encrypt")
	if err != nil {
		return nil, err
	}
	hashKey, err := derive(key, "escrowd/vault/hash")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create gcm: %w", err)
	}

	return &Vault{aead: aead, hashKey: hashKey}, nil
}

// NewFromHex creates a Vault from a hex-encoded 32-byte key.
func NewFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not valid hex: %w", err)
	}
	return New(key)
}

func derive(master []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("vault: failed to derive subkey: %w", err)
	}
	return out, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Tampering, truncation or a
// wrong key all yield ErrDecrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", ErrDecrypt
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Hash returns a hex HMAC-SHA256 of value for equality-only comparisons.
func (v *Vault) Hash(value string) string {
	mac := hmac.New(sha256.New, v.hashKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
