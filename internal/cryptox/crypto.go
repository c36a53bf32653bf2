// Package cryptox implements the classbook crypto layer: authenticated
// at-rest encryption of sensitive fields, key derivation for wrapped key
// material, device certificates and the per-peer payload envelope.
package cryptox

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/shared"
)

// KeySize is the length of every symmetric key used by classbook.
const KeySize = chacha20poly1305.KeySize

// NewDataKey returns a fresh random symmetric key.
func NewDataKey() []byte {
	return shared.GenerateRandByteArray(KeySize)
}

// DeriveKey stretches a passphrase into a KeySize key with Argon2id.
// The same (passphrase, salt) pair always yields the same key.
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key.
//
// A random 12-byte nonce is generated for every call and prefixed to the
// returned ciphertext, so the result is self-contained. additionalData is
// authenticated but not encrypted; callers pass the owning row id so a
// ciphertext cannot be moved to another row undetected.
//
// Parameters:
//   - key: a KeySize-byte key.
//   - plaintext: the bytes to protect.
//   - additionalData: context bound to the ciphertext (may be nil).
//
// Returns:
//   - nonce || ciphertext || tag.
//   - err: non-nil if the key has the wrong size.
//
// Example:
//
//	key := cryptox.NewDataKey()
//	sealed, err := cryptox.Seal(key, []byte("arbeitet gut mit"), []byte(observationID))
//	if err != nil {
//	    return err
//	}
//	text, err := cryptox.Open(key, sealed, []byte(observationID))
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. Any authentication failure (wrong key, tampered
// bytes, wrong additionalData) is reported as common.ErrUndecryptable.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("open: short ciphertext: %w", common.ErrUndecryptable)
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open: %w", errors.Join(common.ErrUndecryptable, err))
	}
	return plaintext, nil
}

// SealJSON marshals v to JSON and seals it.
func SealJSON(key []byte, v any, additionalData []byte) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer shared.WipeByteArray(plaintext)
	return Seal(key, plaintext, additionalData)
}

// OpenJSON opens sealed and unmarshals the JSON plaintext into v.
func OpenJSON(key, sealed, additionalData []byte, v any) error {
	plaintext, err := Open(key, sealed, additionalData)
	if err != nil {
		return err
	}
	defer shared.WipeByteArray(plaintext)
	return json.Unmarshal(plaintext, v)
}
