package models

import (
	"fmt"
	"time"
)

// SessionState represents the lifecycle state of a brokerage session
type SessionState string

const (
	StateDisconnected SessionState = "disconnected" // No connection
	StateConnecting   SessionState = "connecting"   // Connected, waiting for the first order id
	StateReady        SessionState = "ready"        // Accepting requests
	StateBusy         SessionState = "busy"         // At least one request in flight
	StateFailed       SessionState = "failed"       // Connection lost, terminal
)

// Transition conditions
const (
	ConditionConnected      = "connected"
	ConditionNextValidID    = "next_valid_id"
	ConditionRequestIssued  = "request_issued"
	ConditionRequestDone    = "request_done"
	ConditionConnectionLost = "connection_lost"
	ConditionClosed         = "closed"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        SessionState
	To          SessionState
	Condition   string
	Description string
}

// ValidTransitions lists every allowed session transition.
var ValidTransitions = []StateTransition{
	{StateDisconnected, StateConnecting, ConditionConnected, "Gateway connected, event loop started"},
	{StateConnecting, StateReady, ConditionNextValidID, "Gateway delivered the first valid order id"},
	{StateReady, StateBusy, ConditionRequestIssued, "Request dispatched to gateway"},
	{StateBusy, StateReady, ConditionRequestDone, "All in-flight requests completed"},

	// Gateway may resend next valid id at any time (reqIds); the session stays usable
	{StateReady, StateReady, ConditionNextValidID, "Order id counter refreshed"},
	{StateBusy, StateBusy, ConditionNextValidID, "Order id counter refreshed"},

	// Failures
	{StateDisconnected, StateFailed, ConditionConnectionLost, "Connect failed"},
	{StateConnecting, StateFailed, ConditionConnectionLost, "Connection lost before ready"},
	{StateReady, StateFailed, ConditionConnectionLost, "Connection lost"},
	{StateBusy, StateFailed, ConditionConnectionLost, "Connection lost with requests in flight"},

	// Orderly shutdown
	{StateConnecting, StateDisconnected, ConditionClosed, "Session closed before ready"},
	{StateReady, StateDisconnected, ConditionClosed, "Session closed"},
	{StateBusy, StateDisconnected, ConditionClosed, "Session closed with requests in flight"},
}

// StateMachine tracks session state transitions. It is not safe for concurrent
// use; the session guards it with its own mutex.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[SessionState]int
	currentState    SessionState
	previousState   SessionState
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateDisconnected,
		previousState:   StateDisconnected,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[SessionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() SessionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() SessionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// GetTransitionCount returns how many times the machine entered a state
func (sm *StateMachine) GetTransitionCount(state SessionState) int {
	return sm.transitionCount[state]
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to SessionState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to SessionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// IsTerminal reports whether no further operations are possible
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateFailed
}

// AcceptsRequests reports whether operations may be issued
func (sm *StateMachine) AcceptsRequests() bool {
	return sm.currentState == StateReady || sm.currentState == StateBusy
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	descriptions := map[SessionState]string{
		StateDisconnected: "Not connected to the gateway",
		StateConnecting:   "Connected, waiting for next valid order id",
		StateReady:        "Ready for requests",
		StateBusy:         "Requests in flight",
		StateFailed:       "Connection lost; session unusable",
	}

	if desc, ok := descriptions[sm.currentState]; ok {
		return desc
	}
	return "Unknown state"
}
