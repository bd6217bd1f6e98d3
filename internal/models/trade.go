package models

import (
	"fmt"
	"time"
)

// Trade is the local unit of work for a single bracket trade. It is created
// when a strategy decision triggers execution, mutated only by the execution
// engine (and the reconciler, under the same per-instrument lock), and never
// deleted - only terminated via closed or failed.
type Trade struct {
	StateMachine *StateMachine `json:"-"`     // Runtime only, excluded from JSON
	State        TradeState    `json:"state"` // Canonical persisted state

	ID         string        `json:"id"`
	Key        InstrumentKey `json:"key"`
	TradingDay string        `json:"trading_day"` // "2006-01-02", idempotency scope
	Quantity   int           `json:"quantity"`
	Side       Side          `json:"side"`

	// Entry pricing. LimitPrice is the intended entry; FillPrice is the
	// broker-reported average fill and the only valid base for exit levels.
	LimitPrice     float64 `json:"limit_price"`
	FillPrice      float64 `json:"fill_price,omitempty"`
	FilledQuantity int     `json:"filled_quantity,omitempty"`

	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`

	ParentOrderID     int    `json:"parent_order_id,omitempty"`
	TakeProfitOrderID int    `json:"take_profit_order_id,omitempty"`
	StopLossOrderID   int    `json:"stop_loss_order_id,omitempty"`
	OCAGroup          string `json:"oca_group,omitempty"`

	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	FilledAt    time.Time `json:"filled_at,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
	ExitFill    float64   `json:"exit_fill,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// Close reasons recorded on terminal trades.
const (
	CloseReasonTakeProfit = "take_profit"
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonFailed     = "failed"
)

// NewTrade creates a new trade with an initialized state machine.
func NewTrade(id string, key InstrumentKey, side Side, quantity int, limitPrice float64, now time.Time) *Trade {
	return &Trade{
		ID:           id,
		Key:          key,
		Side:         side,
		Quantity:     quantity,
		LimitPrice:   limitPrice,
		TradingDay:   now.Format("2006-01-02"),
		CreatedAt:    now.UTC(),
		StateMachine: NewStateMachine(),
		State:        StatePendingConflictCheck,
	}
}

// TransitionState moves the trade to a new state
func (t *Trade) TransitionState(to TradeState, condition string) error {
	if err := t.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("trade %s state transition failed: %w", t.ID, err)
	}
	t.State = to

	if to == StateParentFilled && t.FilledAt.IsZero() {
		t.FilledAt = time.Now().UTC()
	}
	if (to == StateClosed || to == StateFailed) && t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now().UTC()
	}
	return nil
}

// GetCurrentState returns the canonical persisted state
func (t *Trade) GetCurrentState() TradeState {
	return t.State
}

// IsTerminal returns true once the trade is closed or failed.
func (t *Trade) IsTerminal() bool {
	return t.State.Terminal()
}

// RemainingQuantity is the unfilled remainder of the parent order.
func (t *Trade) RemainingQuantity() int {
	rem := t.Quantity - t.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// RealizedPnL returns the realized dollar P&L for a closed short trade:
// (entry fill - exit fill) x filled quantity x 100. Zero until both
// fills are known. Exits cover only the filled lot, so a partial entry
// realizes P&L on FilledQuantity, not the requested Quantity.
func (t *Trade) RealizedPnL() float64 {
	if t.FillPrice == 0 || t.ExitFill == 0 {
		return 0
	}
	qty := t.FilledQuantity
	if qty == 0 {
		qty = t.Quantity
	}
	return (t.FillPrice - t.ExitFill) * float64(qty) * 100
}

// GetStateDescription returns a human-readable state description
func (t *Trade) GetStateDescription() string {
	return t.ensureMachine().GetStateDescription()
}

// ValidateState checks the trade's fields against its state invariants.
func (t *Trade) ValidateState() error {
	switch t.State {
	case StatePendingConflictCheck, StateTimedOut:
		if t.TakeProfitOrderID != 0 || t.StopLossOrderID != 0 {
			return fmt.Errorf("trade %s in state %s: exit orders must not exist before the parent fills", t.ID, t.State)
		}
	case StateParentSubmitted:
		if t.ParentOrderID == 0 {
			return fmt.Errorf("trade %s in state %s: ParentOrderID must be set", t.ID, t.State)
		}
	case StateParentFilled:
		if t.FillPrice <= 0 {
			return fmt.Errorf("trade %s in state %s: FillPrice must be positive (current: %.2f)", t.ID, t.State, t.FillPrice)
		}
	case StateExitsSubmitted:
		if t.OCAGroup == "" {
			return fmt.Errorf("trade %s in state %s: OCAGroup must be set", t.ID, t.State)
		}
		if t.TakeProfitOrderID == 0 || t.StopLossOrderID == 0 {
			return fmt.Errorf("trade %s in state %s: both exit order ids must be set", t.ID, t.State)
		}
		if t.TakeProfitPrice <= 0 || t.StopLossPrice <= 0 {
			return fmt.Errorf("trade %s in state %s: exit prices must be positive (tp=%.2f sl=%.2f)",
				t.ID, t.State, t.TakeProfitPrice, t.StopLossPrice)
		}
	case StateClosed:
		if t.ClosedAt.IsZero() {
			return fmt.Errorf("trade %s in state %s: ClosedAt must be set", t.ID, t.State)
		}
		if t.CloseReason == "" {
			return fmt.Errorf("trade %s in state %s: CloseReason must be set", t.ID, t.State)
		}
	case StateFailed:
		if t.TakeProfitOrderID != 0 || t.StopLossOrderID != 0 {
			return fmt.Errorf("trade %s in state %s: a failed trade must not leave exit orders", t.ID, t.State)
		}
	}
	return nil
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (t *Trade) ensureMachine() *StateMachine {
	if t.StateMachine == nil {
		t.StateMachine = NewStateMachineFromState(t.State)
	}
	return t.StateMachine
}
