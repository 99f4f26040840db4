package machine

import (
	"errors"
	"fmt"
	"sync"
)

// State is the machine lifecycle position.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition rejects a lifecycle move the state machine does not
// allow.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// lifecycle serializes state transitions. Created moves to Running once,
// Running and Paused toggle, and ShuttingDown is reachable from any
// non-terminal state.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *lifecycle) to(next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !validTransition(l.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, next)
	}

	l.state = next

	return nil
}

func validTransition(from, to State) bool {
	switch to {
	case StateRunning:
		return from == StateCreated || from == StatePaused
	case StatePaused:
		return from == StateRunning
	case StateShuttingDown:
		return from != StateShuttingDown && from != StateTerminated
	case StateTerminated:
		return from == StateShuttingDown
	case StateCreated:
		return false
	default:
		return false
	}
}
