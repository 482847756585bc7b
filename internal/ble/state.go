package ble

import (
	"sync"
	"time"
)

// State is the per-device connection state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// historyLimit bounds the per-device transition history.
const historyLimit = 20

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// stateMachine records the connection state of one peripheral with a bounded
// transition history.
type stateMachine struct {
	mu      sync.Mutex
	current State
	history []Transition
	lastErr error
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateDisconnected}
}

func (s *stateMachine) transition(to State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Transition{From: s.current, To: to, At: time.Now(), Err: err})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.current = to
	if err != nil {
		s.lastErr = err
	} else if to == StateConnected {
		s.lastErr = nil
	}
}

func (s *stateMachine) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *stateMachine) snapshot() (State, error, []Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]Transition, len(s.history))
	copy(hist, s.history)
	return s.current, s.lastErr, hist
}
