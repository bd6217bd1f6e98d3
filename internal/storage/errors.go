package storage

import "errors"

// ErrTradeNotFound is returned when a trade ID has no ledger entry
var ErrTradeNotFound = errors.New("trade not found")

// ErrTradeNotTerminal is returned when archiving a trade that is still live
var ErrTradeNotTerminal = errors.New("trade is not in a terminal state")
