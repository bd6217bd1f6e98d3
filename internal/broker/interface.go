// Package broker provides OMS gateway clients for executing options trades.
// It includes the HTTP gateway client, a circuit-breaker wrapper, and a
// deterministic simulator used in tests and paper mode.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/akramer/wheelhouse/internal/models"
)

// OrderRequest describes a single-leg option order to submit to the gateway.
type OrderRequest struct {
	Key      models.InstrumentKey
	Side     models.Side
	Kind     models.OrderKind
	Quantity int
	// Price is the limit price for LIMIT orders and the trigger price for
	// STOP orders.
	Price    float64
	OCAGroup string
	Tag      string
}

// Broker defines the interface for interacting with the brokerage OMS.
// Submissions are acknowledgements only: a returned order is a broker-side
// record whose status must be polled until terminal.
type Broker interface {
	// Order lifecycle
	SubmitOrder(ctx context.Context, req OrderRequest) (*models.LiveOrder, error)
	CancelOrder(ctx context.Context, orderID int) error
	// GlobalCancel requests cancellation of every live order on the
	// account. Escalation path only, for when an individual cancel
	// cannot be confirmed.
	GlobalCancel(ctx context.Context) error
	GetOrder(ctx context.Context, orderID int) (*models.LiveOrder, error)
	GetLiveOrders(ctx context.Context) ([]models.LiveOrder, error)
	GetExecutions(ctx context.Context, since time.Time) ([]models.Execution, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	IsTradingDay(ctx context.Context) (bool, error)
}

// isPermanentAPIError checks if an error is a permanent API error that will
// not succeed on retry
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 4xx errors are permanent, except 429 Too Many Requests
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// SubmitOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*models.LiveOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.LiveOrder, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GlobalCancel wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GlobalCancel(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.GlobalCancel(ctx)
	})
	return err
}

// GetOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID int) (*models.LiveOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.LiveOrder, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// GetLiveOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetLiveOrders(ctx context.Context) ([]models.LiveOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.LiveOrder, error) {
		return b.GetLiveOrders(ctx)
	})
}

// GetExecutions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExecutions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Execution, error) {
		return b.GetExecutions(ctx, since)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, symbol)
	})
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) {
		return b.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) IsTradingDay(ctx context.Context) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(ctx)
	})
}

// OptionByDelta finds the option in a chain whose delta magnitude is closest
// to the target. Put deltas are negative; the comparison uses magnitudes so
// callers can pass targets either signed or unsigned.
func OptionByDelta(options []Option, right models.Right, targetDelta float64) *Option {
	target := targetDelta
	if target < 0 {
		target = -target
	}

	var best *Option
	bestDiff := 999.0
	for i := range options {
		opt := &options[i]
		if opt.Greeks == nil {
			continue
		}
		if opt.Right() != right {
			continue
		}
		delta := opt.Greeks.Delta
		if delta < 0 {
			delta = -delta
		}
		diff := delta - target
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = opt
		}
	}
	return best
}
