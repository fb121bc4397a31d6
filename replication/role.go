package replication

import (
	"fmt"
	"sync"
)

// State is a server's role in its group.
type State uint8

const (
	StartState State = iota
	PassiveUninitialized
	PassiveStandby
	ActiveState
)

func (s State) String() string {
	switch s {
	case StartState:
		return "START"
	case PassiveUninitialized:
		return "PASSIVE_UNINITIALIZED"
	case PassiveStandby:
		return "PASSIVE_STANDBY"
	case ActiveState:
		return "ACTIVE"
	default:
		return fmt.Sprintf("unknown server state %d", uint8(s))
	}
}

// StateListener is told about role changes.
type StateListener interface {
	StateChanged(old, current State)
}

// Role tracks a server's state and notifies listeners of changes.
type Role struct {
	mu        sync.Mutex
	state     State
	listeners []StateListener
}

func (r *Role) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Role) AddListener(l StateListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Move changes the state.  An active server never becomes passive again.
func (r *Role) Move(to State) error {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if from == ActiveState {
		r.mu.Unlock()
		return fmt.Errorf("bad state change from %s to %s", from, to)
	}
	r.state = to
	listeners := append([]StateListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.StateChanged(from, to)
	}
	return nil
}
