package pairing

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/timex"
)

type State string

const (
	StateIdle           State = "idle"
	StateAdvertising    State = "advertising"
	StatePinIssued      State = "pin_issued"
	StateAuthenticating State = "authenticating"
	StatePaired         State = "paired"
	StateSyncing        State = "syncing"
	StateFailed         State = "failed"
)

// Event is one state transition.
type Event struct {
	State  State             `json:"state" yaml:"state"`
	Peer   string            `json:"peer,omitempty" yaml:"peer,omitempty"`
	Reason common.AuthReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	At     time.Time         `json:"at" yaml:"at"`
}

// Machine tracks the pairing and sync state of the device and fans
// transitions out to subscribers. Slow subscribers miss events rather than
// block transitions.
type Machine struct {
	mu    sync.Mutex
	clock timex.Clock
	state State
	// rest is where a finished session or a failure returns to.
	rest State
	subs map[int]chan Event
	next int
}

func NewMachine(clock timex.Clock) *Machine {
	return &Machine{clock: clock, state: StateIdle, rest: StateIdle, subs: map[int]chan Event{}}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of transitions and a function that closes it.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan Event, buffer)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Machine) emit(e Event) {
	m.state = e.State
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (m *Machine) set(s State, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit(Event{State: s, Peer: peer, At: m.clock.Now()})
}

// Advertising marks the device as visible on the network. Idle is then
// advertising until StopAdvertising.
func (m *Machine) Advertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rest = StateAdvertising
	if m.state == StateIdle {
		m.emit(Event{State: StateAdvertising, At: m.clock.Now()})
	}
}

func (m *Machine) StopAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rest = StateIdle
	if m.state == StateAdvertising {
		m.emit(Event{State: StateIdle, At: m.clock.Now()})
	}
}

func (m *Machine) PinIssued()                { m.set(StatePinIssued, "") }
func (m *Machine) Authenticating(peer string) { m.set(StateAuthenticating, peer) }
func (m *Machine) Paired(peer string)         { m.set(StatePaired, peer) }
func (m *Machine) Syncing(peer string)        { m.set(StateSyncing, peer) }

// Done returns to the resting state after a pairing or sync.
func (m *Machine) Done(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit(Event{State: m.rest, Peer: peer, At: m.clock.Now()})
}

// Fail records a failure and returns to the resting state.
func (m *Machine) Fail(peer string, reason common.AuthReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.emit(Event{State: StateFailed, Peer: peer, Reason: reason, At: now})
	m.emit(Event{State: m.rest, Peer: peer, At: now})
}
