package pairing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

var t0 = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

func assertReason(t *testing.T, err error, want common.AuthReason) {
	t.Helper()
	require.ErrorIs(t, err, common.ErrAuthFailure)
	var ae *common.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, want, ae.Reason)
}

func TestPINStore_IssueAndConsume(t *testing.T) {
	clock := timex.NewManual(t0)
	s := NewPINStore(clock, 5*time.Minute)

	tok, err := s.Issue()
	require.NoError(t, err)
	assert.True(t, IsPIN(tok.PIN))
	assert.Equal(t, t0.Add(5*time.Minute), tok.ExpiresAt)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, tok, active)

	require.NoError(t, s.Consume(tok.PIN))

	_, ok = s.Active()
	assert.False(t, ok)
	assertReason(t, s.Consume(tok.PIN), common.ReasonNoActivePin)
}

func TestPINStore_NoActive(t *testing.T) {
	s := NewPINStore(timex.NewManual(t0), time.Minute)
	assertReason(t, s.Consume("123456"), common.ReasonNoActivePin)
}

func TestPINStore_Expired(t *testing.T) {
	clock := timex.NewManual(t0)
	s := NewPINStore(clock, 5*time.Minute)
	tok, err := s.Issue()
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	assertReason(t, s.Consume(tok.PIN), common.ReasonPinExpired)
	assertReason(t, s.Consume(tok.PIN), common.ReasonNoActivePin)
}

func TestPINStore_ReissueInvalidatesPrevious(t *testing.T) {
	s := NewPINStore(timex.NewManual(t0), 5*time.Minute)
	first, err := s.Issue()
	require.NoError(t, err)

	var second Token
	for {
		second, err = s.Issue()
		require.NoError(t, err)
		if second.PIN != first.PIN {
			break
		}
	}

	assertReason(t, s.Consume(first.PIN), common.ReasonPinMismatch)
	require.NoError(t, s.Consume(second.PIN))
}

func TestPINStore_MaxAttempts(t *testing.T) {
	s := NewPINStore(timex.NewManual(t0), 5*time.Minute)
	tok, err := s.Issue()
	require.NoError(t, err)

	wrong := "000000"
	if tok.PIN == wrong {
		wrong = "111111"
	}
	for i := 0; i < MaxAttempts; i++ {
		assertReason(t, s.Consume(wrong), common.ReasonPinMismatch)
	}
	assertReason(t, s.Consume(tok.PIN), common.ReasonNoActivePin)
}

func TestIsPIN(t *testing.T) {
	assert.True(t, IsPIN("004711"))
	assert.False(t, IsPIN("4711"))
	assert.False(t, IsPIN("12345a"))
	assert.False(t, IsPIN("eyJhbGciOiJFUzI1NiJ9"))
}
