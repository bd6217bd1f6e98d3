package models

import "time"

// Side is the direction of an order.
type Side string

const (
	// SideBuy buys to open or close
	SideBuy Side = "BUY"
	// SideSell sells to open or close
	SideSell Side = "SELL"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid returns true if the Side is one of the defined constants
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind is the broker order type.
type OrderKind string

const (
	// OrderKindLimit is a limit order
	OrderKindLimit OrderKind = "LIMIT"
	// OrderKindStop is a stop order
	OrderKindStop OrderKind = "STOP"
)

// OrderStatus mirrors the broker's reported order state.
type OrderStatus string

const (
	StatusPending      OrderStatus = "PENDING"
	StatusSubmitted    OrderStatus = "SUBMITTED"
	StatusPreSubmitted OrderStatus = "PRESUBMITTED"
	StatusFilled       OrderStatus = "FILLED"
	StatusCancelled    OrderStatus = "CANCELLED"
	StatusRejected     OrderStatus = "REJECTED"
	StatusInactive     OrderStatus = "INACTIVE"
)

// Terminal returns true if the status is final and the order can no longer trade.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusInactive:
		return true
	default:
		return false
	}
}

// Live returns true for statuses that can still trade.
func (s OrderStatus) Live() bool {
	return !s.Terminal()
}

// LiveOrder is a broker-reported order. The authoritative copy lives in the
// broker; the engine holds a cached mirror that must be refreshed before any
// conflict decision.
type LiveOrder struct {
	ID             int           `json:"id"`
	PermID         int64         `json:"perm_id"`
	Key            InstrumentKey `json:"key"`
	Side           Side          `json:"side"`
	Kind           OrderKind     `json:"kind"`
	Price          float64       `json:"price"` // limit price for LIMIT, trigger price for STOP
	Quantity       int           `json:"quantity"`
	FilledQuantity int           `json:"filled_quantity"`
	Status         OrderStatus   `json:"status"`
	OCAGroup       string        `json:"oca_group,omitempty"`
	AvgFillPrice   float64       `json:"avg_fill_price,omitempty"`
	FillTime       time.Time     `json:"fill_time,omitempty"`
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *LiveOrder) RemainingQuantity() int {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// CompletelyFilled reports whether every contract of the order has executed.
// A FILLED status is trusted; otherwise executed quantity is compared to the
// requested quantity so a "partial" status covering a full fill is handled.
func (o *LiveOrder) CompletelyFilled() bool {
	if o.Status == StatusFilled {
		return true
	}
	if o.Quantity <= 0 || o.FilledQuantity <= 0 {
		return false
	}
	return o.FilledQuantity >= o.Quantity
}

// Execution is a single fill record from the broker's execution history.
type Execution struct {
	OrderID  int           `json:"order_id"`
	PermID   int64         `json:"perm_id"`
	Key      InstrumentKey `json:"key"`
	Side     Side          `json:"side"`
	Quantity int           `json:"quantity"`
	Price    float64       `json:"price"`
	Time     time.Time     `json:"time"`
}

// DivergenceKind classifies a mismatch between the local ledger and broker truth.
type DivergenceKind string

const (
	// DivergencePriceMismatch: local expected price differs from the broker's live order price.
	DivergencePriceMismatch DivergenceKind = "PRICE_MISMATCH"
	// DivergenceOrphanedLocalOrder: local record has no corresponding broker
	// order and no execution explaining its disappearance.
	DivergenceOrphanedLocalOrder DivergenceKind = "ORPHANED_LOCAL_ORDER"
	// DivergenceUntrackedBrokerOrder: broker has a live order on a strategy
	// instrument with no local record.
	DivergenceUntrackedBrokerOrder DivergenceKind = "UNTRACKED_BROKER_ORDER"
	// DivergenceMissedFill: broker execution history shows a fill with no
	// corresponding local state transition.
	DivergenceMissedFill DivergenceKind = "MISSED_FILL"
)

// AutoCorrectable reports whether the reconciler may fix the divergence from
// broker truth without operator review. Orphaned and untracked orders are
// reported only; silently mutating unexplained state can mask a real trading error.
func (k DivergenceKind) AutoCorrectable() bool {
	return k == DivergencePriceMismatch || k == DivergenceMissedFill
}

// Divergence is a single reconciliation finding.
type Divergence struct {
	Kind       DivergenceKind `json:"kind"`
	TradeID    string         `json:"trade_id,omitempty"`
	OrderID    int            `json:"order_id,omitempty"`
	Key        InstrumentKey  `json:"key"`
	Detail     string         `json:"detail"`
	Corrected  bool           `json:"corrected"`
	DetectedAt time.Time      `json:"detected_at"`
}
