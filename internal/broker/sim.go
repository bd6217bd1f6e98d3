package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akramer/wheelhouse/internal/models"
)

// SimBroker is a deterministic in-memory broker used in tests and paper mode.
// Order IDs are sequential, fills are scripted by the caller, and OCA sibling
// cancellation mirrors the gateway's behavior unless disabled.
type SimBroker struct {
	mu sync.Mutex

	nextID int
	orders map[int]*models.LiveOrder
	execs  []models.Execution
	quotes map[string]Quote
	chains map[string][]Option

	clock func() time.Time

	// FillOnSubmit fills every submitted order immediately at its price.
	FillOnSubmit bool
	// OCADisabled stops the simulator from cancelling OCA siblings on fill,
	// modeling a gateway whose group handling has failed.
	OCADisabled bool
	// CancelHangs makes CancelOrder accept requests without ever moving the
	// order to a terminal status.
	CancelHangs bool
	// SubmitErr, when set, is returned by every SubmitOrder call.
	SubmitErr error
	// CancelErr, when set, is returned by every CancelOrder call.
	CancelErr error
	// TradingDay is the value returned by IsTradingDay.
	TradingDay bool

	// Journal records every mutation in order, for invariant assertions.
	Journal []SimEvent
}

// SimEvent is one entry in the simulator's mutation journal.
type SimEvent struct {
	Kind     string // "submit", "cancel_request", "cancel", "fill", "reject"
	OrderID  int
	Key      models.InstrumentKey
	Side     models.Side
	OCAGroup string
	Time     time.Time
}

// Ensure SimBroker implements Broker at compile time.
var _ Broker = (*SimBroker)(nil)

// NewSimBroker creates an empty simulator starting at order ID 1000.
func NewSimBroker() *SimBroker {
	return &SimBroker{
		nextID:     1000,
		orders:     make(map[int]*models.LiveOrder),
		quotes:     make(map[string]Quote),
		chains:     make(map[string][]Option),
		clock:      time.Now,
		TradingDay: true,
	}
}

// WithClock overrides the simulator's time source.
func (s *SimBroker) WithClock(fn func() time.Time) *SimBroker {
	s.clock = fn
	return s
}

// SetQuote scripts the quote returned for a symbol.
func (s *SimBroker) SetQuote(symbol string, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Symbol = symbol
	s.quotes[symbol] = q
}

// SetOptionChain scripts the chain returned for a symbol and expiration.
func (s *SimBroker) SetOptionChain(symbol, expiration string, chain []Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[symbol+"|"+expiration] = chain
}

// SubmitOrder records the order as SUBMITTED and assigns the next ID.
func (s *SimBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SubmitErr != nil {
		return nil, s.SubmitErr
	}

	s.nextID++
	order := &models.LiveOrder{
		ID:       s.nextID,
		PermID:   int64(s.nextID) * 7919,
		Key:      req.Key,
		Side:     req.Side,
		Kind:     req.Kind,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   models.StatusSubmitted,
		OCAGroup: req.OCAGroup,
	}
	s.orders[order.ID] = order
	s.journal("submit", order)

	if s.FillOnSubmit {
		s.fillLocked(order, req.Price, req.Quantity)
	}

	copied := *order
	return &copied, nil
}

// CancelOrder marks the order cancelled unless CancelHangs is set.
func (s *SimBroker) CancelOrder(ctx context.Context, orderID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CancelErr != nil {
		return s.CancelErr
	}

	order, ok := s.orders[orderID]
	if !ok {
		return &APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	s.journal("cancel_request", order)

	if s.CancelHangs {
		return nil
	}
	if !order.Status.Terminal() {
		order.Status = models.StatusCancelled
		s.journal("cancel", order)
	}
	return nil
}

// GlobalCancel cancels every live order. CancelHangs makes it a silent
// no-op, the same as individual cancels.
func (s *SimBroker) GlobalCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CancelErr != nil {
		return s.CancelErr
	}
	if s.CancelHangs {
		return nil
	}
	for _, order := range s.orders {
		if !order.Status.Terminal() {
			order.Status = models.StatusCancelled
			s.journal("cancel", order)
		}
	}
	return nil
}

// GetOrder returns a copy of the order's current state.
func (s *SimBroker) GetOrder(ctx context.Context, orderID int) (*models.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	copied := *order
	return &copied, nil
}

// GetLiveOrders returns copies of all non-terminal orders.
func (s *SimBroker) GetLiveOrders(ctx context.Context) ([]models.LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var live []models.LiveOrder
	for _, order := range s.orders {
		if order.Status.Live() {
			live = append(live, *order)
		}
	}
	return live, nil
}

// GetExecutions returns fills recorded at or after since.
func (s *SimBroker) GetExecutions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Execution
	for _, e := range s.execs {
		if since.IsZero() || !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetQuote returns the scripted quote for a symbol.
func (s *SimBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	return &q, nil
}

// GetExpirations returns the expirations of all scripted chains for a symbol.
func (s *SimBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := symbol + "|"
	var dates []string
	for k := range s.chains {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			dates = append(dates, k[len(prefix):])
		}
	}
	return dates, nil
}

// GetOptionChain returns the scripted chain for a symbol and expiration.
func (s *SimBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.chains[symbol+"|"+expiration]
	if !ok {
		return nil, fmt.Errorf("no chain found for %s %s", symbol, expiration)
	}
	out := make([]Option, len(chain))
	copy(out, chain)
	return out, nil
}

// IsTradingDay returns the scripted trading-day flag.
func (s *SimBroker) IsTradingDay(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.TradingDay, nil
}

// ============ Test Scripting ============

// FillOrder completely fills a live order at the given price.
func (s *SimBroker) FillOrder(orderID int, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %d already terminal (%s)", orderID, order.Status)
	}
	s.fillLocked(order, price, order.RemainingQuantity())
	return nil
}

// PartialFillOrder fills part of a live order at the given price. The order
// stays live until its quantity is exhausted.
func (s *SimBroker) PartialFillOrder(orderID int, price float64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %d already terminal (%s)", orderID, order.Status)
	}
	if quantity > order.RemainingQuantity() {
		return fmt.Errorf("fill quantity %d exceeds remaining %d", quantity, order.RemainingQuantity())
	}
	s.fillLocked(order, price, quantity)
	return nil
}

// RejectOrder marks a live order rejected.
func (s *SimBroker) RejectOrder(orderID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	order.Status = models.StatusRejected
	s.journal("reject", order)
	return nil
}

// ForceStatus overrides an order's status directly.
func (s *SimBroker) ForceStatus(orderID int, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d not found", orderID)
	}
	order.Status = status
	return nil
}

// InjectOrder inserts a broker-side order the local ledger knows nothing
// about, for reconciliation scenarios. Returns the assigned ID.
func (s *SimBroker) InjectOrder(order models.LiveOrder) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	order.ID = s.nextID
	if order.Status == "" {
		order.Status = models.StatusSubmitted
	}
	s.orders[order.ID] = &order
	s.journal("submit", &order)
	return order.ID
}

// InjectExecution appends an execution record without touching any order,
// for missed-fill reconciliation scenarios.
func (s *SimBroker) InjectExecution(e models.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = s.clock()
	}
	s.execs = append(s.execs, e)
}

// Order returns a copy of an order's current state without error wrapping.
func (s *SimBroker) Order(orderID int) (models.LiveOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return models.LiveOrder{}, false
	}
	return *order, true
}

// LiveCount returns the number of non-terminal orders.
func (s *SimBroker) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, order := range s.orders {
		if order.Status.Live() {
			n++
		}
	}
	return n
}

// fillLocked applies a fill and runs OCA sibling cancellation. Caller holds mu.
func (s *SimBroker) fillLocked(order *models.LiveOrder, price float64, quantity int) {
	now := s.clock()

	prevFilled := order.FilledQuantity
	order.FilledQuantity += quantity
	// Weighted average across partial fills.
	order.AvgFillPrice = (order.AvgFillPrice*float64(prevFilled) + price*float64(quantity)) /
		float64(order.FilledQuantity)
	order.FillTime = now

	s.execs = append(s.execs, models.Execution{
		OrderID:  order.ID,
		PermID:   order.PermID,
		Key:      order.Key,
		Side:     order.Side,
		Quantity: quantity,
		Price:    price,
		Time:     now,
	})

	if !order.CompletelyFilled() {
		return
	}
	order.Status = models.StatusFilled
	s.journal("fill", order)

	if s.OCADisabled || order.OCAGroup == "" {
		return
	}
	for _, sibling := range s.orders {
		if sibling.ID == order.ID || sibling.OCAGroup != order.OCAGroup {
			continue
		}
		if !sibling.Status.Terminal() {
			sibling.Status = models.StatusCancelled
			s.journal("cancel", sibling)
		}
	}
}

func (s *SimBroker) journal(kind string, order *models.LiveOrder) {
	s.Journal = append(s.Journal, SimEvent{
		Kind:     kind,
		OrderID:  order.ID,
		Key:      order.Key,
		Side:     order.Side,
		OCAGroup: order.OCAGroup,
		Time:     s.clock(),
	})
}
