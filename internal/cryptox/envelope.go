package cryptox

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

const envelopeInfo = "classbook/envelope/v1"

// SessionKey derives the symmetric key shared by the local device and a
// pinned peer. Both sides compute the same key: ECDH over the P-256
// certificate keys, expanded with HKDF-SHA256 and salted with the two
// fingerprints in sorted order.
func SessionKey(local *DeviceCert, peerPub *ecdsa.PublicKey, localFP, peerFP string) ([]byte, error) {
	if local == nil || peerPub == nil {
		return nil, errors.New("session key: missing key")
	}
	priv, err := local.Key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	pub, err := peerPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	if pub.Curve() != ecdh.P256() {
		return nil, errors.New("session key: unsupported curve")
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	fps := []string{localFP, peerFP}
	sort.Strings(fps)
	salt := []byte(fps[0] + fps[1])

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(envelopeInfo)), key); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return key, nil
}

// Envelope seals payloads for exactly one peer.
type Envelope struct {
	key []byte
}

// NewEnvelope builds an Envelope for the peer owning peerPub.
func NewEnvelope(local *DeviceCert, peerPub *ecdsa.PublicKey, peerFP string) (*Envelope, error) {
	key, err := SessionKey(local, peerPub, local.Fingerprint(), peerFP)
	if err != nil {
		return nil, err
	}
	return &Envelope{key: key}, nil
}

// Seal encrypts payload; label binds the ciphertext to its purpose.
func (e *Envelope) Seal(payload []byte, label string) ([]byte, error) {
	return Seal(e.key, payload, []byte(envelopeInfo+"/"+label))
}

// Open decrypts a payload produced by the peer's Seal with the same label.
func (e *Envelope) Open(sealed []byte, label string) ([]byte, error) {
	return Open(e.key, sealed, []byte(envelopeInfo+"/"+label))
}
