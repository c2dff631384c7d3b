package session

import "fmt"

// State is the lifecycle state of one session
type State string

// Trigger drives a state transition
type Trigger string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

const (
	TriggerStart     Trigger = "start"     // explicit start command
	TriggerEvent     Trigger = "event"     // inbound non-terminal event
	TriggerTerminate Trigger = "terminate" // cancel, stream end or stop command
)

// Transition returns the state reached from current on trigger. Terminated is
// absorbing; every trigger there is rejected.
func Transition(current State, trigger Trigger) (State, error) {
	switch current {
	case StateIdle:
		switch trigger {
		case TriggerStart, TriggerEvent:
			return StateActive, nil
		default:
			return current, invalidTransition(current, trigger)
		}
	case StateActive:
		switch trigger {
		case TriggerEvent:
			return StateActive, nil
		case TriggerTerminate:
			return StateTerminated, nil
		default:
			return current, invalidTransition(current, trigger)
		}
	case StateTerminated:
		return current, invalidTransition(current, trigger)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, trigger Trigger) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, trigger)
}
