package engine

import (
	"sync"

	"github.com/rendis/deflow/pkg/schema"
)

// TransitionHook runs after a successful status transition.
type TransitionHook func(subject, id string, from, to schema.ExecutionStatus)

// validTransitions lists the allowed moves. Completed and failed are final.
var validTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning: {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
}

// StatusMachine checks execution and node status changes.
type StatusMachine struct {
	mu    sync.RWMutex
	after []TransitionHook
}

// NewStatusMachine creates a StatusMachine with no hooks.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{}
}

// OnTransition registers a hook run after every accepted transition. The
// engine runs hooks once the store has released the execution, so a hook
// may read the execution back.
func (m *StatusMachine) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.after = append(m.after, hook)
}

// Check validates from -> to for the named subject ("execution" or "node").
func (m *StatusMachine) Check(subject, id string, from, to schema.ExecutionStatus) error {
	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", subject, from, to).
			WithDetails(map[string]any{"id": id, "from": string(from), "to": string(to)})
	}
	return nil
}

// Notify runs the hooks for a transition that Check accepted.
func (m *StatusMachine) Notify(subject, id string, from, to schema.ExecutionStatus) {
	m.mu.RLock()
	hooks := m.after
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(subject, id, from, to)
	}
}

// Transition is Check followed by Notify.
func (m *StatusMachine) Transition(subject, id string, from, to schema.ExecutionStatus) error {
	if err := m.Check(subject, id, from, to); err != nil {
		return err
	}
	m.Notify(subject, id, from, to)
	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
