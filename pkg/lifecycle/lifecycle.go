package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a supervised set of services.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// Common lifecycle errors.
var (
	ErrNotRunning        = errors.New("not running")
	ErrAlreadyRunning    = errors.New("already running")
	ErrShutdownTimeout   = errors.New("shutdown timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ShutdownTimeout is the default maximum time to wait for services to return
// after they were canceled.
const ShutdownTimeout = 5 * time.Second

// EventEmitter is called when lifecycle state changes. The reason names the
// service that caused the change, when there is one.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateCrashed},
	StateCrashed:  {StateStarting},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
