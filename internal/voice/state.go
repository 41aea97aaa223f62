package voice

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a recorder.
type State string

const (
	Idle      State = "idle"
	Recording State = "recording"
	Stopped   State = "stopped"
	Cancelled State = "cancelled"
)

// validTransitions defines allowed state transitions. Stopped and Cancelled
// are passed through on the way back to Idle.
var validTransitions = map[State][]State{
	Idle:      {Recording},
	Recording: {Stopped, Cancelled},
	Stopped:   {Idle},
	Cancelled: {Idle},
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("voice: invalid transition from %s to %s", from, to)
	}
	return nil
}

// StateChange is the bus payload for recorder state changes.
type StateChange struct {
	ConversationID string
	From           State
	To             State
}
