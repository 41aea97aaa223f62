package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/convo/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Starting {
		t.Errorf("initial state = %s, want STARTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Starting, Ready},
		{Starting, Reconnecting},
		{Ready, Reconnecting},
		{Reconnecting, Ready},
		{Reconnecting, Degraded},
		{Degraded, Ready},
		{Ready, Stopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Degraded); err == nil {
		t.Error("Transition(STARTING -> DEGRADED) should fail")
	}
	_ = m.Transition(Stopping)
	if err := m.Transition(Ready); err == nil {
		t.Error("STOPPING is terminal")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("status.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Ready); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.StatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.StatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Starting || change.To != Ready {
		t.Errorf("change = %v -> %v, want STARTING -> READY", change.From, change.To)
	}
}

// TestFeedHealthCycle walks a feed that drops repeatedly and then recovers:
// READY -> RECONNECTING -> DEGRADED -> READY.
func TestFeedHealthCycle(t *testing.T) {
	m := NewMachine(nil)
	m.SetDegradeAfter(2)

	m.FeedHealth(true, nil)
	if m.Current() != Ready {
		t.Fatalf("state = %s, want READY", m.Current())
	}

	lost := errors.New("connection reset")
	m.FeedHealth(false, lost)
	if m.Current() != Reconnecting {
		t.Fatalf("state = %s, want RECONNECTING", m.Current())
	}
	if m.LastError() != "connection reset" {
		t.Errorf("LastError() = %q", m.LastError())
	}

	m.FeedHealth(false, lost)
	if m.Current() != Degraded {
		t.Fatalf("state = %s, want DEGRADED", m.Current())
	}
	m.FeedHealth(false, lost)
	if m.Current() != Degraded {
		t.Fatalf("state = %s, want DEGRADED", m.Current())
	}

	m.FeedHealth(true, nil)
	if m.Current() != Ready || m.LastError() != "" {
		t.Errorf("state = %s err = %q, want READY and no error", m.Current(), m.LastError())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Starting:     {},
		Ready:        {Ready},
		Reconnecting: {Ready, Reconnecting},
		Degraded:     {Ready, Reconnecting, Degraded},
		Stopping:     {Stopping},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
