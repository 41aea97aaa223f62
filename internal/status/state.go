package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/convo/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Starting     State = "STARTING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Stopping     State = "STOPPING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting:     {Ready, Reconnecting, Stopping},
	Ready:        {Reconnecting, Stopping},
	Reconnecting: {Ready, Degraded, Stopping},
	Degraded:     {Ready, Stopping},
	Stopping:     {},
}

// DefaultDegradeAfter is how many consecutive feed failures turn
// RECONNECTING into DEGRADED.
const DefaultDegradeAfter = 3

// Machine tracks and enforces daemon runtime state transitions. The state
// follows the health of the live change feed.
type Machine struct {
	mu           sync.RWMutex
	current      State
	bus          *bus.Bus
	failures     int
	lastErr      string
	degradeAfter int
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:      Starting,
		bus:          b,
		degradeAfter: DefaultDegradeAfter,
	}
}

// SetDegradeAfter changes the failure count that marks the daemon degraded.
func (m *Machine) SetDegradeAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.degradeAfter = n
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the last feed error seen, empty once healthy again.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

func (m *Machine) transition(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.StatusChanged, StatusChange{From: from, To: to})
	return nil
}

// FeedHealth records one change feed health report: up moves to READY,
// down moves to RECONNECTING and, after enough consecutive failures, to
// DEGRADED. Reports that do not change the state are ignored.
func (m *Machine) FeedHealth(up bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if up {
		m.failures = 0
		m.lastErr = ""
		if m.current != Ready {
			_ = m.transition(Ready)
		}
		return
	}

	m.failures++
	if err != nil {
		m.lastErr = err.Error()
	}
	switch m.current {
	case Starting, Ready:
		_ = m.transition(Reconnecting)
	}
	if m.current == Reconnecting && m.failures >= m.degradeAfter {
		_ = m.transition(Degraded)
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
