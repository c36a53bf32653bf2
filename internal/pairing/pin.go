package pairing

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/shared"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

const (
	PINLength = 6
	// MaxAttempts is how many wrong PINs an issued token survives.
	MaxAttempts = 5
)

// Token is an issued pairing PIN.
type Token struct {
	PIN       string    `json:"pin" yaml:"pin"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// PINStore holds at most one active PIN. Issuing a new one replaces the
// previous token whether or not it expired.
type PINStore struct {
	mu       sync.Mutex
	clock    timex.Clock
	ttl      time.Duration
	active   *Token
	failures int
}

func NewPINStore(clock timex.Clock, ttl time.Duration) *PINStore {
	return &PINStore{clock: clock, ttl: ttl}
}

func newPIN() (string, error) {
	pin, err := shared.RandomDigits(PINLength)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return pin, nil
}

// Issue generates a fresh PIN valid for the store's TTL.
func (s *PINStore) Issue() (Token, error) {
	pin, err := newPIN()
	if err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &Token{PIN: pin, ExpiresAt: s.clock.Now().Add(s.ttl)}
	s.failures = 0
	return *s.active, nil
}

// Active returns the current token if it has not expired.
func (s *PINStore) Active() (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || !s.clock.Now().Before(s.active.ExpiresAt) {
		return Token{}, false
	}
	return *s.active, true
}

// Consume checks pin against the active token and burns the token on
// success. An expired token is dropped; a token that saw MaxAttempts wrong
// PINs is dropped too.
func (s *PINStore) Consume(pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return common.NewAuthError(common.ReasonNoActivePin)
	}
	if !s.clock.Now().Before(s.active.ExpiresAt) {
		s.active = nil
		return common.NewAuthError(common.ReasonPinExpired)
	}
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.active.PIN)) != 1 {
		s.failures++
		if s.failures >= MaxAttempts {
			s.active = nil
		}
		return common.NewAuthError(common.ReasonPinMismatch)
	}
	s.active = nil
	return nil
}

// Clear drops the active token.
func (s *PINStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// IsPIN reports whether v looks like a pairing PIN rather than a code.
func IsPIN(v string) bool {
	if len(v) != PINLength {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
