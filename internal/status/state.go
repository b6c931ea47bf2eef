// Package status tracks the connection state of a realtime subscription.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
)

// State represents a realtime subscription state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Error, Disconnected},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces subscription state transitions.
type Machine struct {
	mu      sync.RWMutex
	name    string
	current State
	lastErr error
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
// Name identifies the subscription in published events.
func NewMachine(b *bus.Bus, name string) *Machine {
	return &Machine{
		name:    name,
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Err returns the error recorded by the last transition into Error.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, nil)
}

// Fail moves to Error and records cause.
func (m *Machine) Fail(cause error) error {
	return m.transition(Error, cause)
}

// Reset moves to Disconnected from any state. It is a no-op when already
// disconnected.
func (m *Machine) Reset() {
	if m.Current() == Disconnected {
		return
	}
	_ = m.transition(Disconnected, nil)
}

func (m *Machine) transition(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Error {
		m.lastErr = cause
	} else if to == Connected {
		m.lastErr = nil
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.RealtimeStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Name: m.name,
				From: from,
				To:   to,
				Err:  cause,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Name string
	From State
	To   State
	Err  error
}
