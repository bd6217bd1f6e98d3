package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/models"
)

// ConflictPlan is the outcome of a conflict check on one instrument key:
// the opposing live orders found, and after Apply, the orders that were
// cancelled and must later be restored.
type ConflictPlan struct {
	Key       models.InstrumentKey
	Side      models.Side
	Conflicts []models.LiveOrder
	// Cancelled holds snapshots of the orders Apply confirmed cancelled,
	// taken before the cancel so the original price, remaining quantity,
	// and OCA group survive for Restore.
	Cancelled []models.LiveOrder
}

// HasConflicts reports whether any opposing orders were found.
func (p *ConflictPlan) HasConflicts() bool {
	return len(p.Conflicts) > 0
}

// ConflictResolver clears opposing live orders off an instrument key before
// a parent order is submitted, and puts them back once the parent reaches a
// terminal outcome. An opposing order is any live order on the same key with
// the opposite side: leaving it live alongside the parent would put both a
// BUY and a SELL working on one instrument.
type ConflictResolver struct {
	broker       broker.Broker
	logger       *log.Logger
	pollInterval time.Duration
	cancelWait   time.Duration
	callTimeout  time.Duration
}

// NewConflictResolver creates a resolver. Durations fall back to sane
// defaults when non-positive.
func NewConflictResolver(b broker.Broker, logger *log.Logger, pollInterval, cancelWait, callTimeout time.Duration) *ConflictResolver {
	if logger == nil {
		logger = log.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if cancelWait <= 0 {
		cancelWait = 30 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &ConflictResolver{
		broker:       b,
		logger:       logger,
		pollInterval: pollInterval,
		cancelWait:   cancelWait,
		callTimeout:  callTimeout,
	}
}

// Resolve snapshots the opposing live orders for an intended order on key.
// It never mutates broker state.
func (r *ConflictResolver) Resolve(ctx context.Context, key models.InstrumentKey, side models.Side) (*ConflictPlan, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	live, err := r.broker.GetLiveOrders(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing live orders for conflict check: %w", err)
	}

	plan := &ConflictPlan{Key: key, Side: side}
	opposite := side.Opposite()
	for _, order := range live {
		if order.Key == key && order.Side == opposite && order.Status.Live() {
			plan.Conflicts = append(plan.Conflicts, order)
		}
	}

	if plan.HasConflicts() {
		r.logger.Printf("Conflict check on %s: %d opposing %s order(s) live", key, len(plan.Conflicts), opposite)
	}
	return plan, nil
}

// Apply cancels every conflicting order and waits for each cancel to be
// confirmed terminal. Any order that fills before its cancel lands, or that
// stays live past the cancel wait, fails the whole plan: the caller must not
// submit the parent order.
func (r *ConflictResolver) Apply(ctx context.Context, plan *ConflictPlan) error {
	for _, conflict := range plan.Conflicts {
		snapshot := conflict
		snapshot.Quantity = conflict.RemainingQuantity()

		r.logger.Printf("Cancelling conflicting order %d (%s %s @ %.2f, oca=%q)",
			conflict.ID, conflict.Side, conflict.Key, conflict.Price, conflict.OCAGroup)

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := r.broker.CancelOrder(callCtx, conflict.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("cancel request for order %d failed: %w", conflict.ID, err)
		}

		status, err := r.awaitTerminal(ctx, conflict.ID)
		if errors.Is(err, ErrConflictCancelTimeout) {
			status, err = r.escalate(ctx, conflict.ID)
		}
		if err != nil {
			return fmt.Errorf("order %d: %w", conflict.ID, err)
		}
		if status == models.StatusFilled {
			return fmt.Errorf("order %d: %w", conflict.ID, ErrConflictOrderFilled)
		}

		plan.Cancelled = append(plan.Cancelled, snapshot)
	}
	return nil
}

// escalate issues a broker-wide cancel when an individual cancel could not
// be confirmed, then waits one more cancel window for the order to die.
func (r *ConflictResolver) escalate(ctx context.Context, orderID int) (models.OrderStatus, error) {
	r.logger.Printf("ALERT: cancel of order %d unconfirmed after %s, escalating to global cancel",
		orderID, r.cancelWait)
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	err := r.broker.GlobalCancel(callCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("global cancel: %w", err)
	}
	return r.awaitTerminal(ctx, orderID)
}

// awaitTerminal polls one order until its status is terminal or the cancel
// wait elapses.
func (r *ConflictResolver) awaitTerminal(ctx context.Context, orderID int) (models.OrderStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cancelWait)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		callCtx, callCancel := context.WithTimeout(waitCtx, r.callTimeout)
		order, err := r.broker.GetOrder(callCtx, orderID)
		callCancel()
		if err == nil && order.Status.Terminal() {
			return order.Status, nil
		}
		if err != nil {
			r.logger.Printf("Polling order %d during cancel wait: %v", orderID, err)
		}

		select {
		case <-waitCtx.Done():
			return "", ErrConflictCancelTimeout
		case <-ticker.C:
		}
	}
}

// Restore resubmits every order Apply cancelled, preserving its side, kind,
// price, remaining quantity, and original OCA group. Called only after the
// parent order reached a terminal outcome. Failures are collected so one bad
// restore does not strand the rest; the caller reports them as divergences.
func (r *ConflictResolver) Restore(ctx context.Context, plan *ConflictPlan) ([]models.LiveOrder, error) {
	var restored []models.LiveOrder
	var firstErr error

	for _, original := range plan.Cancelled {
		if original.Quantity <= 0 {
			r.logger.Printf("Skipping restore of order %d: nothing left to work", original.ID)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		order, err := r.broker.SubmitOrder(callCtx, broker.OrderRequest{
			Key:      original.Key,
			Side:     original.Side,
			Kind:     original.Kind,
			Quantity: original.Quantity,
			Price:    original.Price,
			OCAGroup: original.OCAGroup,
		})
		cancel()
		if err != nil {
			r.logger.Printf("Restore of order %d failed: %v", original.ID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("order %d: %w: %v", original.ID, ErrConflictRestoreFailure, err)
			}
			continue
		}

		// An accepted submit is not a working order yet; read it back and
		// make sure the broker did not kill it on arrival.
		if err := r.confirmLive(ctx, order.ID); err != nil {
			r.logger.Printf("Restore of order %d as %d not confirmed: %v", original.ID, order.ID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("order %d: %w: %v", original.ID, ErrConflictRestoreFailure, err)
			}
			continue
		}

		r.logger.Printf("Restored conflicting order %d as %d (%s %s @ %.2f, oca=%q)",
			original.ID, order.ID, order.Side, order.Key, order.Price, original.OCAGroup)
		restored = append(restored, *order)
	}

	return restored, firstErr
}

// confirmLive polls a freshly submitted order until the broker reports it.
// A live (or filled) read confirms the restore; a rejected or cancelled
// landing fails it.
func (r *ConflictResolver) confirmLive(ctx context.Context, orderID int) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.cancelWait)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		callCtx, callCancel := context.WithTimeout(waitCtx, r.callTimeout)
		order, err := r.broker.GetOrder(callCtx, orderID)
		callCancel()
		if err == nil {
			if order.Status.Terminal() && order.Status != models.StatusFilled {
				return fmt.Errorf("order landed %s", order.Status)
			}
			return nil
		}
		r.logger.Printf("Polling restored order %d: %v", orderID, err)

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("no confirmation within %s", r.cancelWait)
		case <-ticker.C:
		}
	}
}
