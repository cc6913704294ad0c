package transport

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// State is the transport a channel currently reads from.
type State string

const (
	Connecting State = "CONNECTING"
	Primary    State = "PRIMARY"
	Fallback   State = "FALLBACK"
	Disabled   State = "DISABLED"
)

// validTransitions defines allowed state transitions. Disabled has no exits:
// once the primary service is unreachable it stays off for the session.
var validTransitions = map[State][]State{
	Connecting: {Primary, Fallback, Disabled},
	Primary:    {Fallback, Disabled},
	Fallback:   {Primary, Disabled},
	Disabled:   {},
}

// Machine tracks and enforces a channel's transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	channel model.ChannelKey
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Connecting.
func NewMachine(channel model.ChannelKey, b *bus.Bus) *Machine {
	return &Machine{
		channel: channel,
		current: Connecting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the human-readable cause of the last transition.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.bus.Emit(bus.KindTransportState, string(m.channel), StateChange{
		Channel: m.channel,
		From:    from,
		To:      to,
		Reason:  reason,
	})
	return nil
}

// StateChange is the payload for transport state events.
type StateChange struct {
	Channel model.ChannelKey
	From    State
	To      State
	Reason  string
}
