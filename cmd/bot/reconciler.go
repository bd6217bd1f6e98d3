package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/metrics"
	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/orders"
	"github.com/akramer/wheelhouse/internal/storage"
)

// Reconciler audits the local trade ledger against broker truth. Live
// orders and the execution history are the authority; the ledger is
// corrected where that is safe (price drift, fills the engine missed)
// and divergences that need a human are recorded for the dashboard.
type Reconciler struct {
	broker         broker.Broker
	storage        storage.Interface
	locks          *orders.KeyLocker
	logger         *log.Logger
	metrics        *metrics.Metrics
	symbol         string
	priceTolerance float64
	callTimeout    time.Duration
	oca            *orders.OCAManager

	// resume re-attaches the engine to a trade the reconciler advanced.
	resume func(tradeID string)
	// reported dedupes report-only divergences across sweeps.
	reported map[string]bool
	// execWindow bounds how far back each sweep asks for executions.
	execWindow time.Duration
}

// NewReconciler creates a ledger auditor for the strategy underlying.
func NewReconciler(b broker.Broker, store storage.Interface,
	locks *orders.KeyLocker, logger *log.Logger, m *metrics.Metrics,
	symbol string, priceTolerance float64) *Reconciler {
	if priceTolerance <= 0 {
		priceTolerance = 0.01
	}
	return &Reconciler{
		broker:         b,
		storage:        store,
		locks:          locks,
		logger:         logger,
		metrics:        m,
		symbol:         symbol,
		priceTolerance: priceTolerance,
		callTimeout:    10 * time.Second,
		oca:            orders.NewOCAManager(""),
		reported:       make(map[string]bool),
		execWindow:     24 * time.Hour,
	}
}

// SetResume wires the callback used to hand a corrected trade back to
// the execution engine.
func (r *Reconciler) SetResume(fn func(tradeID string)) {
	r.resume = fn
}

// Run sweeps once immediately, then on the given interval until the
// context ends. The startup sweep catches anything that moved while the
// process was down.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.Sweep(ctx); err != nil {
		r.logger.Printf("reconcile sweep failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Printf("reconcile sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one full audit pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	live, err := r.broker.GetLiveOrders(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("listing live orders: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
	execs, err := r.broker.GetExecutions(callCtx, time.Now().Add(-r.execWindow))
	cancel()
	if err != nil {
		return fmt.Errorf("listing executions: %w", err)
	}

	liveByID := make(map[int]models.LiveOrder, len(live))
	for _, order := range live {
		liveByID[order.ID] = order
	}
	execsByOrder := make(map[int][]models.Execution)
	for _, e := range execs {
		execsByOrder[e.OrderID] = append(execsByOrder[e.OrderID], e)
	}

	open := r.storage.GetOpenTrades()
	for _, trade := range open {
		r.auditTrade(ctx, trade, liveByID, execsByOrder)
	}
	r.auditUntracked(live)

	r.metrics.SetOpenTrades(len(r.storage.GetOpenTrades()))
	if stats := r.storage.GetStatistics(); stats != nil {
		r.metrics.SetRealizedPnL(stats.TotalPnL)
	}
	return nil
}

// auditTrade checks one trade's tracked orders against broker truth,
// under the same per-key lock the engine mutates through.
func (r *Reconciler) auditTrade(ctx context.Context, trade *models.Trade,
	liveByID map[int]models.LiveOrder, execsByOrder map[int][]models.Execution) {
	r.locks.Lock(trade.Key)
	defer r.locks.Unlock(trade.Key)

	// Re-read under the lock; the engine may have advanced the trade.
	current, ok := r.storage.GetTrade(trade.ID)
	if !ok || current.IsTerminal() {
		return
	}
	trade = current

	switch trade.GetCurrentState() {
	case models.StateParentSubmitted:
		r.auditParent(ctx, trade, liveByID, execsByOrder)
	case models.StateExitsSubmitted:
		r.auditExits(ctx, trade, liveByID, execsByOrder)
	}

	// The audit may have closed and archived the trade; saving it again
	// here would put it back in the active ledger.
	if trade.IsTerminal() {
		return
	}

	trade.LastChecked = time.Now().UTC()
	if err := r.storage.SaveTrade(trade); err != nil {
		r.logger.Printf("reconcile: persisting trade %s: %v", trade.ID, err)
	}
}

func (r *Reconciler) auditParent(ctx context.Context, trade *models.Trade,
	liveByID map[int]models.LiveOrder, execsByOrder map[int][]models.Execution) {
	if order, isLive := liveByID[trade.ParentOrderID]; isLive {
		r.checkPrice(trade, order, &trade.LimitPrice, "parent")
		return
	}

	// Not live: broker executions decide whether it filled or vanished.
	fills := execsByOrder[trade.ParentOrderID]
	if qty, avg := sumFills(fills); qty > 0 {
		r.logger.Printf("reconcile: trade %s parent %d filled %d @ %.2f with no local record",
			trade.ID, trade.ParentOrderID, qty, avg)
		trade.FillPrice = avg
		trade.FilledQuantity = qty
		if err := trade.TransitionState(models.StateParentFilled, models.ConditionMissedFill); err != nil {
			r.logger.Printf("reconcile: trade %s: %v", trade.ID, err)
			return
		}
		r.record(models.Divergence{
			Kind:      models.DivergenceMissedFill,
			TradeID:   trade.ID,
			OrderID:   trade.ParentOrderID,
			Key:       trade.Key,
			Detail:    fmt.Sprintf("parent filled %d @ %.2f, ledger still awaiting fill", qty, avg),
			Corrected: true,
		})
		if err := r.storage.SaveTrade(trade); err != nil {
			r.logger.Printf("reconcile: persisting missed fill for %s: %v", trade.ID, err)
			return
		}
		if r.resume != nil {
			r.resume(trade.ID)
		}
		return
	}

	r.reportOnce(models.Divergence{
		Kind:    models.DivergenceOrphanedLocalOrder,
		TradeID: trade.ID,
		OrderID: trade.ParentOrderID,
		Key:     trade.Key,
		Detail:  "ledger tracks a working parent the broker has neither live nor filled",
	})
}

func (r *Reconciler) auditExits(ctx context.Context, trade *models.Trade,
	liveByID map[int]models.LiveOrder, execsByOrder map[int][]models.Execution) {
	tpLive, tpIsLive := liveByID[trade.TakeProfitOrderID]
	slLive, slIsLive := liveByID[trade.StopLossOrderID]

	if tpIsLive {
		r.checkPrice(trade, tpLive, &trade.TakeProfitPrice, "take-profit")
		r.checkGroup(trade, tpLive, "take-profit")
	}
	if slIsLive {
		r.checkPrice(trade, slLive, &trade.StopLossPrice, "stop-loss")
		r.checkGroup(trade, slLive, "stop-loss")
	}
	if tpIsLive && slIsLive {
		return
	}

	// One or both exits are gone; executions decide which one won.
	tpQty, tpAvg := sumFills(execsByOrder[trade.TakeProfitOrderID])
	slQty, slAvg := sumFills(execsByOrder[trade.StopLossOrderID])

	switch {
	case tpQty >= trade.FilledQuantity:
		r.closeMissed(ctx, trade, trade.TakeProfitOrderID, trade.StopLossOrderID,
			models.CloseReasonTakeProfit, tpAvg, slIsLive)
	case slQty >= trade.FilledQuantity:
		r.closeMissed(ctx, trade, trade.StopLossOrderID, trade.TakeProfitOrderID,
			models.CloseReasonStopLoss, slAvg, tpIsLive)
	case !tpIsLive && !slIsLive:
		r.reportOnce(models.Divergence{
			Kind:    models.DivergenceOrphanedLocalOrder,
			TradeID: trade.ID,
			Key:     trade.Key,
			Detail: fmt.Sprintf("both exits (%d, %d) gone from broker with no fill on record",
				trade.TakeProfitOrderID, trade.StopLossOrderID),
		})
	}
}

// closeMissed closes a trade whose exit filled while nothing was
// watching. The losing sibling is pulled first if it is somehow live.
func (r *Reconciler) closeMissed(ctx context.Context, trade *models.Trade,
	winnerID, loserID int, reason string, fillPrice float64, loserLive bool) {
	if loserLive {
		r.logger.Printf("reconcile: trade %s sibling %d still live after %s fill, cancelling",
			trade.ID, loserID, reason)
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := r.broker.CancelOrder(callCtx, loserID)
		cancel()
		if err != nil {
			r.logger.Printf("reconcile: cancelling sibling %d: %v", loserID, err)
			return
		}
		r.metrics.OrderCanceled()
	}

	r.logger.Printf("reconcile: trade %s closed via %s @ %.2f, found in execution history",
		trade.ID, reason, fillPrice)
	trade.ExitFill = fillPrice
	trade.CloseReason = reason
	if err := trade.TransitionState(models.StateClosed, models.ConditionMissedFill); err != nil {
		r.logger.Printf("reconcile: trade %s: %v", trade.ID, err)
		return
	}
	r.record(models.Divergence{
		Kind:      models.DivergenceMissedFill,
		TradeID:   trade.ID,
		OrderID:   winnerID,
		Key:       trade.Key,
		Detail:    fmt.Sprintf("exit filled @ %.2f (%s), ledger still monitoring", fillPrice, reason),
		Corrected: true,
	})
	if err := r.storage.SaveTrade(trade); err != nil {
		r.logger.Printf("reconcile: persisting close for %s: %v", trade.ID, err)
		return
	}
	if err := r.storage.ArchiveTrade(trade.ID); err != nil {
		r.logger.Printf("reconcile: archiving %s: %v", trade.ID, err)
	}
	r.metrics.TradeResult(reason)
}

// checkGroup flags an exit leg whose broker-side OCA group does not
// match the trade's. A wrong group means a fill will not pull the
// sibling; never corrected automatically since regrouping requires a
// cancel-and-replace the operator should decide on.
func (r *Reconciler) checkGroup(trade *models.Trade, order models.LiveOrder, role string) {
	if order.OCAGroup == trade.OCAGroup {
		return
	}
	r.logger.Printf("reconcile: ALERT: trade %s %s order %d carries OCA group %q, ledger has %q",
		trade.ID, role, order.ID, order.OCAGroup, trade.OCAGroup)
}

// checkPrice corrects local price drift against the broker's live order.
func (r *Reconciler) checkPrice(trade *models.Trade, order models.LiveOrder, local *float64, role string) {
	if math.Abs(order.Price-*local) <= r.priceTolerance {
		return
	}
	r.logger.Printf("reconcile: trade %s %s order %d price drift: ledger %.2f, broker %.2f",
		trade.ID, role, order.ID, *local, order.Price)
	r.record(models.Divergence{
		Kind:      models.DivergencePriceMismatch,
		TradeID:   trade.ID,
		OrderID:   order.ID,
		Key:       trade.Key,
		Detail:    fmt.Sprintf("%s price: ledger %.2f, broker %.2f", role, *local, order.Price),
		Corrected: true,
	})
	*local = order.Price
}

// auditUntracked reports live broker orders on the strategy underlying
// that no ledger trade accounts for. Never corrected automatically:
// cancelling an order a human placed is not the engine's call.
func (r *Reconciler) auditUntracked(live []models.LiveOrder) {
	for _, order := range live {
		if order.Key.Symbol != r.symbol {
			continue
		}
		if r.storage.GetTradeByOrderID(order.ID) != nil {
			continue
		}
		detail := fmt.Sprintf("live %s %s order @ %.2f with no ledger record",
			order.Side, order.Kind, order.Price)
		if r.oca.Owns(order.OCAGroup) {
			// Our own group suffix on an order the ledger lost: worse
			// than a human's manual order, call it out.
			detail = fmt.Sprintf("live %s %s order @ %.2f carries engine OCA group %q but no ledger record",
				order.Side, order.Kind, order.Price, order.OCAGroup)
		}
		r.reportOnce(models.Divergence{
			Kind:    models.DivergenceUntrackedBrokerOrder,
			OrderID: order.ID,
			Key:     order.Key,
			Detail:  detail,
		})
	}
}

func (r *Reconciler) record(d models.Divergence) {
	if err := r.storage.RecordDivergence(d); err != nil {
		r.logger.Printf("reconcile: recording divergence: %v", err)
	}
	r.metrics.DivergenceDetected(string(d.Kind))
}

// reportOnce records a report-only divergence the first time it is seen.
func (r *Reconciler) reportOnce(d models.Divergence) {
	dedupe := fmt.Sprintf("%s/%s/%d", d.Kind, d.TradeID, d.OrderID)
	if r.reported[dedupe] {
		return
	}
	r.reported[dedupe] = true
	r.logger.Printf("reconcile: ALERT: %s: %s (trade %q, order %d)", d.Kind, d.Detail, d.TradeID, d.OrderID)
	r.record(d)
}

// sumFills aggregates executions into total quantity and average price.
func sumFills(fills []models.Execution) (int, float64) {
	qty := 0
	notional := 0.0
	for _, f := range fills {
		qty += f.Quantity
		notional += f.Price * float64(f.Quantity)
	}
	if qty == 0 {
		return 0, 0
	}
	return qty, notional / float64(qty)
}
