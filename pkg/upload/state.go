package upload

import (
	"fmt"
	"time"
)

// State is the upload phase of the current utterance.
type State int

const (
	StateFirstFrame State = iota
	StateContinueFrame
	StateLastFrame
)

func (s State) String() string {
	switch s {
	case StateFirstFrame:
		return "first_frame"
	case StateContinueFrame:
		return "continue_frame"
	case StateLastFrame:
		return "last_frame"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes upload state changes. Listeners run outside the
// machine lock and may call back into the machine.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateFirstFrame:    {StateContinueFrame},
	StateContinueFrame: {StateFirstFrame, StateLastFrame},
	StateLastFrame:     {StateFirstFrame},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
