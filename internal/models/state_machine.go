package models

import (
	"fmt"
	"time"
)

// TradeState represents the current lifecycle state of a trade
type TradeState string

const (
	// StatePendingConflictCheck is the initial state before any broker call
	StatePendingConflictCheck TradeState = "pending_conflict_check"
	// StateParentSubmitted means the parent order is live and awaiting a fill
	StateParentSubmitted TradeState = "parent_submitted"
	// StateParentFilled means the parent filled completely; exits not yet placed
	StateParentFilled TradeState = "parent_filled"
	// StateExitsSubmitted means take-profit and stop-loss are live under one OCA group
	StateExitsSubmitted TradeState = "exits_submitted"
	// StateClosed is terminal: an exit filled and the sibling is confirmed cancelled
	StateClosed TradeState = "closed"
	// StateTimedOut means the parent order expired unfilled; retry may re-enter the cycle
	StateTimedOut TradeState = "timed_out"
	// StateFailed is terminal: rejection or exhausted retries
	StateFailed TradeState = "failed"
)

// Terminal returns true for states from which no transition is possible.
func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Transition conditions
const (
	ConditionConflictsCleared = "conflicts_cleared"
	ConditionParentFilled     = "parent_filled"
	ConditionOrderTimeout     = "order_timeout"
	ConditionRetry            = "retry"
	ConditionRetriesExhausted = "retries_exhausted"
	ConditionExitsPlaced      = "exits_placed"
	ConditionExitFilled       = "exit_filled"
	ConditionBrokerRejected   = "broker_rejected"
	ConditionFatalError       = "fatal_error"
	ConditionMissedFill       = "missed_fill"
)

// StateTransition defines a valid state transition
type StateTransition struct {
	From        TradeState
	To          TradeState
	Condition   string
	Description string
}

// ValidTransitions is the full transition table for a trade's order lifecycle
var ValidTransitions = []StateTransition{
	{StatePendingConflictCheck, StateParentSubmitted, ConditionConflictsCleared, "Conflicts cleared, parent order submitted"},
	{StateParentSubmitted, StateParentFilled, ConditionParentFilled, "Parent order completely filled"},
	{StateParentSubmitted, StateTimedOut, ConditionOrderTimeout, "Parent unfilled within the order timeout"},
	{StateTimedOut, StatePendingConflictCheck, ConditionRetry, "Retrying with adjusted execution parameters"},
	{StateTimedOut, StateFailed, ConditionRetriesExhausted, "Retries disabled or exhausted"},
	{StateParentFilled, StateExitsSubmitted, ConditionExitsPlaced, "Take-profit and stop-loss placed under a fresh OCA group"},
	{StateExitsSubmitted, StateClosed, ConditionExitFilled, "An exit order filled; sibling confirmed cancelled"},

	// Reconciliation corrections from broker truth
	{StateParentSubmitted, StateParentFilled, ConditionMissedFill, "Fill found in execution history during reconcile"},
	{StateExitsSubmitted, StateClosed, ConditionMissedFill, "Exit fill found in execution history during reconcile"},

	// Failure branches reachable from any non-terminal state
	{StatePendingConflictCheck, StateFailed, ConditionFatalError, "Unrecoverable error before submission"},
	{StateParentSubmitted, StateFailed, ConditionBrokerRejected, "Parent order rejected by broker"},
	{StateParentSubmitted, StateFailed, ConditionFatalError, "Unrecoverable error while parent working"},
	{StateParentFilled, StateFailed, ConditionFatalError, "Exit placement failed"},
	{StateExitsSubmitted, StateFailed, ConditionBrokerRejected, "Exit order rejected by broker"},
	{StateExitsSubmitted, StateFailed, ConditionFatalError, "Unrecoverable error while exits working"},
	{StateTimedOut, StateFailed, ConditionFatalError, "Unrecoverable error during timeout handling"},
}

// StateMachine manages trade state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[TradeState]int
	currentState    TradeState
	previousState   TradeState
}

// NewStateMachine creates a new state machine in the initial state
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatePendingConflictCheck)
}

// NewStateMachineFromState creates a state machine resumed at a persisted state
func NewStateMachineFromState(state TradeState) *StateMachine {
	if state == "" {
		state = StatePendingConflictCheck
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TradeState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() TradeState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() TradeState {
	return sm.previousState
}

// IsValidTransition checks if a transition is valid from the current state
func (sm *StateMachine) IsValidTransition(to TradeState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to TradeState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered a state
func (sm *StateMachine) GetTransitionCount(state TradeState) int {
	return sm.transitionCount[state]
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePendingConflictCheck:
		return "Waiting for conflict check before parent submission"
	case StateParentSubmitted:
		return "Parent order live, polling for fill"
	case StateParentFilled:
		return "Parent filled, placing protective exits"
	case StateExitsSubmitted:
		return "Exit orders live under OCA group"
	case StateTimedOut:
		return "Parent order timed out, deciding retry"
	case StateClosed:
		return "Trade closed"
	case StateFailed:
		return "Trade failed - operator attention may be required"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	newSM := &StateMachine{
		currentState:    sm.currentState,
		previousState:   sm.previousState,
		transitionTime:  sm.transitionTime,
		transitionCount: make(map[TradeState]int, len(sm.transitionCount)),
	}
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
