package orders

import "errors"

// ErrConflictCancelTimeout is returned when a conflicting order's cancel was
// requested but the order never reached a terminal status within the wait
// window. Initiation fails closed: no parent order is submitted.
var ErrConflictCancelTimeout = errors.New("conflicting order cancel not confirmed in time")

// ErrConflictOrderFilled is returned when a conflicting order filled before
// its cancel took effect. The fill cannot be undone, so initiation aborts
// and nothing is restored.
var ErrConflictOrderFilled = errors.New("conflicting order filled before cancel confirmed")

// ErrConflictRestoreFailure is returned when a cancelled conflicting order
// could not be resubmitted after the parent reached a terminal outcome.
var ErrConflictRestoreFailure = errors.New("failed to restore cancelled conflicting order")

// ErrParentTimeout is returned when the parent order stayed unfilled through
// every allowed attempt.
var ErrParentTimeout = errors.New("parent order unfilled within timeout")

// ErrBrokerRejection is returned when the broker rejects an order outright.
var ErrBrokerRejection = errors.New("order rejected by broker")

// ErrDuplicateTrade is returned by strict initiation when a non-terminal
// trade already exists for the instrument and trading day.
var ErrDuplicateTrade = errors.New("open trade already exists for instrument and day")
