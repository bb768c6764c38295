package proxy

import (
	"fmt"
	"sync"
)

// ConnState is the lifecycle position of one forwarding or tunneling attempt.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateResolvingTarget
	StateAwaitingUpstream
	StateRelaying
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateResolvingTarget:
		return "resolving-target"
	case StateAwaitingUpstream:
		return "awaiting-upstream"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// canTransition reports whether from -> to is a legal step. Every state
// may close; otherwise states only advance by one.
func canTransition(from, to ConnState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	return to == from+1
}

// stateMachine tracks one attempt. Illegal transitions are rejected and
// logged; they never panic.
type stateMachine struct {
	mu    sync.Mutex
	state ConnState
	log   *connLog
}

func newStateMachine(log *connLog) *stateMachine {
	return &stateMachine{state: StateAccepted, log: log}
}

// transition moves to next and reports whether the move was legal.
func (m *stateMachine) transition(next ConnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !canTransition(m.state, next) {
		m.log.Trace("Rejected state transition %s -> %s", m.state, next)
		return false
	}
	m.log.Trace("State %s -> %s", m.state, next)
	m.state = next
	return true
}

func (m *stateMachine) current() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
