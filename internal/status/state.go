package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/caiofn/chatsync/internal/bus"
)

// State is the engine's connection/sync runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"      // channels up, first consistency poll in flight
	Live         State = "LIVE"         // push events flowing, store consistent
	Reconnecting State = "RECONNECTING" // a channel dropped, resubscribing with backoff
	Degraded     State = "DEGRADED"     // push unreliable, poller is the source of truth
	Stopped      State = "STOPPED"
	Error        State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:      {Connecting, Error, Stopped},
	Connecting:   {Syncing, Reconnecting, Error, Stopped},
	Syncing:      {Live, Reconnecting, Degraded, Error, Stopped},
	Live:         {Reconnecting, Degraded, Syncing, Error, Stopped},
	Reconnecting: {Connecting, Syncing, Degraded, Error, Stopped},
	Degraded:     {Reconnecting, Syncing, Live, Error, Stopped},
	Error:        {Booting, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces engine state transitions, publishing every
// change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the no-op transition to the current state is
// always allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindStatusChanged,
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State
	To   State
}
