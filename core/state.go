package core

import (
	"sync"

	"github.com/juju/errors"
)

// LifecycleState is the attach-level state machine every Core
// implementation drives: Unknown -> Connected -> Running <-> Halted ->
// Detached. Transitions happen only as a side effect of an explicit
// operation (Halt/Run/Step/Reset/ResetAndHalt) or of Status() observing a
// new state on the target; nothing else mutates it.
type LifecycleState int

const (
	LifecycleUnknown LifecycleState = iota
	LifecycleConnected
	LifecycleRunning
	LifecycleHalted
	LifecycleDetached
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleConnected:
		return "connected"
	case LifecycleRunning:
		return "running"
	case LifecycleHalted:
		return "halted"
	case LifecycleDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// StateMachine tracks one core's LifecycleState and the HaltReason that
// accompanies LifecycleHalted. It is embedded by every arch/* Core
// implementation so the attach/run/halt bookkeeping is written once.
type StateMachine struct {
	mu     sync.Mutex
	state  LifecycleState
	reason HaltReason
}

// NewStateMachine starts in LifecycleUnknown, the state every core is in
// before Session.Attach performs debug_core_start.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: LifecycleUnknown}
}

func (m *StateMachine) Current() (LifecycleState, HaltReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Connected transitions Unknown -> Connected, the state a core enters once
// debug_core_start has run. A detached core stays Detached.
func (m *StateMachine) Connected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == LifecycleDetached {
		return
	}
	m.state = LifecycleConnected
}

// Running transitions Connected/Halted -> Running.
func (m *StateMachine) Running() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != LifecycleConnected && m.state != LifecycleHalted && m.state != LifecycleRunning {
		return errors.Errorf("cannot resume from state %v", m.state)
	}
	m.state = LifecycleRunning
	return nil
}

// Halted transitions Connected/Running -> Halted(reason).
func (m *StateMachine) Halted(reason HaltReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == LifecycleDetached {
		return errors.Errorf("cannot halt a detached core")
	}
	m.state = LifecycleHalted
	m.reason = reason
	return nil
}

// Detached transitions any state -> Detached, a terminal state: no further
// transitions are accepted afterward.
func (m *StateMachine) Detached() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = LifecycleDetached
}

// ToStatus maps the internal LifecycleState to the public Status/HaltReason
// pair a Core.Status() call returns.
func (m *StateMachine) ToStatus() CoreState {
	state, reason := m.Current()
	switch state {
	case LifecycleRunning:
		return CoreState{Status: StatusRunning}
	case LifecycleHalted:
		return CoreState{Status: StatusHalted, Reason: reason}
	default:
		return CoreState{Status: StatusUnknown}
	}
}
