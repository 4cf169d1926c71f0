// Package session implements the session state machine.
package session

import (
	"tutorly/internal/model"
)

// FSM holds the allowed session status transitions.
type FSM struct {
	transitions map[model.SessionStatus][]model.SessionStatus
}

// NewFSM creates the session FSM.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[model.SessionStatus][]model.SessionStatus{
			model.SessionConfirmed:  {model.SessionInProgress, model.SessionCancelled},
			model.SessionInProgress: {model.SessionCompleted, model.SessionCancelled},
			model.SessionCompleted:  {},
			model.SessionCancelled:  {},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to model.SessionStatus) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
