package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

func drain(ch <-chan Event) []State {
	var out []State
	for {
		select {
		case e := <-ch:
			out = append(out, e.State)
		default:
			return out
		}
	}
}

func TestMachine_Transitions(t *testing.T) {
	m := NewMachine(timex.NewManual(t0))
	events, cancel := m.Subscribe(16)
	defer cancel()

	assert.Equal(t, StateIdle, m.State())

	m.Advertising()
	m.PinIssued()
	m.Authenticating("peer")
	m.Paired("peer")
	m.Done("peer")
	assert.Equal(t, StateAdvertising, m.State())

	m.Syncing("peer")
	m.Fail("peer", common.ReasonUnknownPeer)
	assert.Equal(t, StateAdvertising, m.State())

	m.StopAdvertising()
	assert.Equal(t, StateIdle, m.State())

	assert.Equal(t, []State{
		StateAdvertising, StatePinIssued, StateAuthenticating, StatePaired, StateAdvertising,
		StateSyncing, StateFailed, StateAdvertising, StateIdle,
	}, drain(events))
}

func TestMachine_FailCarriesReason(t *testing.T) {
	m := NewMachine(timex.NewManual(t0))
	events, cancel := m.Subscribe(4)
	defer cancel()

	m.Fail("peer", common.ReasonPinExpired)

	e := <-events
	require.Equal(t, StateFailed, e.State)
	assert.Equal(t, common.ReasonPinExpired, e.Reason)
	assert.Equal(t, "peer", e.Peer)
	assert.Equal(t, t0, e.At)
}

func TestMachine_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewMachine(timex.NewManual(t0))
	_, cancel := m.Subscribe(0)

	m.PinIssued()
	m.Done("")
	assert.Equal(t, StateIdle, m.State())

	cancel()
	cancel()
}
