package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/metrics"
	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/retry"
	"github.com/akramer/wheelhouse/internal/storage"
	"github.com/akramer/wheelhouse/internal/strategy"
	"github.com/akramer/wheelhouse/internal/util"
)

// Config holds the engine's timing and retry knobs.
type Config struct {
	PollInterval   time.Duration // order status poll cadence
	OrderTimeout   time.Duration // parent fill window per attempt
	CancelWait     time.Duration // max wait for a cancel to confirm
	CallTimeout    time.Duration // per broker call
	ExitVerifyWait time.Duration // max wait for an OCA sibling to cancel
	MaxRetries     int           // re-entry attempts after the first timeout
	RetryPriceStep float64       // limit concession per retry, in dollars
	TakeProfitPct  float64       // exit target as percent of entry credit
	StopLossPct    float64       // stop trigger as percent of entry credit
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		OrderTimeout:   90 * time.Second,
		CancelWait:     30 * time.Second,
		CallTimeout:    10 * time.Second,
		ExitVerifyWait: 15 * time.Second,
		MaxRetries:     2,
		RetryPriceStep: 0.05,
		TakeProfitPct:  60,
		StopLossPct:    200,
	}
}

// TradeRequest describes a bracket entry to execute.
type TradeRequest struct {
	Key        models.InstrumentKey
	Quantity   int
	LimitPrice float64
}

// errStopped signals an orderly shutdown. Working orders are left at
// the broker and picked up again by Resume on the next start.
var errStopped = errors.New("engine stopped")

// Engine drives a trade through its full lifecycle: conflict
// resolution, parent entry, exit placement, and exit monitoring. All
// broker-facing mutations for one instrument key are serialized
// through the shared KeyLocker.
type Engine struct {
	broker    broker.Broker
	storage   storage.Interface
	conflicts *ConflictResolver
	oca       *OCAManager
	retry     *retry.Client
	locks     *KeyLocker
	metrics   *metrics.Metrics
	logger    *log.Logger
	config    Config
	stop      <-chan struct{}
}

// NewEngine wires an engine around a broker and ledger.
func NewEngine(b broker.Broker, store storage.Interface, locks *KeyLocker, logger *log.Logger, stop <-chan struct{}, config Config) *Engine {
	return &Engine{
		broker:    b,
		storage:   store,
		conflicts: NewConflictResolver(b, logger, config.PollInterval, config.CancelWait, config.CallTimeout),
		oca:       NewOCAManager(""),
		retry:     retry.NewClient(b, logger),
		locks:     locks,
		logger:    logger,
		config:    config,
		stop:      stop,
	}
}

// WithMetrics attaches a metrics recorder. Safe to skip.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// InitiateTrade opens a bracket position for the requested contract.
// While any trade on the key is still non-terminal, re-invocation is a
// no-op and the existing trade is returned: callers can re-invoke
// freely after crashes or scheduler hiccups, and a still-working
// position is never layered or disturbed. The returned trade is in a terminal
// state on error except for shutdown, where it is left in flight for
// Resume.
func (e *Engine) InitiateTrade(ctx context.Context, req TradeRequest) (*models.Trade, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", req.Quantity)
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid limit price %.2f", req.LimitPrice)
	}

	e.locks.Lock(req.Key)
	defer e.locks.Unlock(req.Key)

	now := time.Now()
	if existing := e.storage.GetOpenTradeForKey(req.Key); existing != nil {
		e.logger.Printf("trade %s still working %s (state %s), skipping entry",
			existing.ID, req.Key, existing.State)
		return existing, ErrDuplicateTrade
	}

	trade := models.NewTrade(shortID(), req.Key, models.SideSell, req.Quantity, req.LimitPrice, now)
	if err := e.storage.SaveTrade(trade); err != nil {
		return nil, fmt.Errorf("persisting new trade: %w", err)
	}
	e.logger.Printf("trade %s: entering %s x%d, limit %.2f",
		trade.ID, req.Key, req.Quantity, req.LimitPrice)

	return trade, e.runEntry(ctx, trade)
}

// runEntry drives the attempt loop from PENDING_CONFLICT_CHECK until
// exits are working or the trade fails. The caller holds the key lock.
func (e *Engine) runEntry(ctx context.Context, trade *models.Trade) error {
	for {
		trade.Attempts++
		if err := e.storage.SaveTrade(trade); err != nil {
			return fmt.Errorf("persisting attempt %d: %w", trade.Attempts, err)
		}

		plan, err := e.conflicts.Resolve(ctx, trade.Key, trade.Side)
		if err != nil {
			return e.fail(trade, models.ConditionFatalError,
				fmt.Errorf("resolving conflicts: %w", err))
		}
		if plan.HasConflicts() {
			if err := e.conflicts.Apply(ctx, plan); err != nil {
				// Fail closed: a conflicting order we could not
				// confirm cancelled means the parent never goes out.
				e.metrics.ConflictOutcome("abort")
				return e.fail(trade, models.ConditionFatalError,
					fmt.Errorf("clearing conflicts: %w", err))
			}
			e.metrics.ConflictOutcome("cancelled")
		}

		outcome, err := e.submitAndAwaitParent(ctx, trade)
		if err != nil {
			if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
				return err
			}
			e.restore(plan)
			return e.fail(trade, models.ConditionFatalError, err)
		}

		switch outcome.kind {
		case parentFilled:
			trade.FillPrice = outcome.avgFillPrice
			trade.FilledQuantity = outcome.filledQuantity
			if err := trade.TransitionState(models.StateParentFilled, models.ConditionParentFilled); err != nil {
				return e.fail(trade, models.ConditionFatalError, err)
			}
			if err := e.storage.SaveTrade(trade); err != nil {
				return fmt.Errorf("persisting fill: %w", err)
			}
			e.logger.Printf("trade %s: parent filled %d @ %.2f",
				trade.ID, trade.FilledQuantity, trade.FillPrice)
			e.restore(plan)
			return e.placeExits(ctx, trade)

		case parentRejected:
			e.restore(plan)
			return e.fail(trade, models.ConditionBrokerRejected,
				fmt.Errorf("%w: parent order %d", ErrBrokerRejection, trade.ParentOrderID))

		case parentTimedOut:
			if err := trade.TransitionState(models.StateTimedOut, models.ConditionOrderTimeout); err != nil {
				return e.fail(trade, models.ConditionFatalError, err)
			}
			if err := e.storage.SaveTrade(trade); err != nil {
				return fmt.Errorf("persisting timeout: %w", err)
			}
			e.restore(plan)
			if trade.Attempts > e.config.MaxRetries {
				return e.fail(trade, models.ConditionRetriesExhausted,
					fmt.Errorf("%w: %d attempts", ErrParentTimeout, trade.Attempts))
			}
			// Concede on price and go around again. Selling, so a
			// lower limit is the more aggressive quote.
			next := util.RoundToTick(trade.LimitPrice-e.config.RetryPriceStep, strategy.Tick)
			if next < strategy.Tick {
				next = strategy.Tick
			}
			trade.LimitPrice = next
			trade.ParentOrderID = 0
			if err := trade.TransitionState(models.StatePendingConflictCheck, models.ConditionRetry); err != nil {
				return e.fail(trade, models.ConditionFatalError, err)
			}
			if err := e.storage.SaveTrade(trade); err != nil {
				return fmt.Errorf("persisting retry: %w", err)
			}
			e.logger.Printf("trade %s: retrying at %.2f (attempt %d of %d)",
				trade.ID, trade.LimitPrice, trade.Attempts+1, e.config.MaxRetries+1)
		}
	}
}

type parentOutcomeKind int

const (
	parentFilled parentOutcomeKind = iota
	parentRejected
	parentTimedOut
)

type parentOutcome struct {
	kind           parentOutcomeKind
	avgFillPrice   float64
	filledQuantity int
}

// submitAndAwaitParent places the parent and polls it to an outcome.
// On timeout the remainder is cancelled first; a partial fill that
// survives the cancel is treated as a fill for the worked quantity.
func (e *Engine) submitAndAwaitParent(ctx context.Context, trade *models.Trade) (*parentOutcome, error) {
	order, err := e.retry.SubmitOrderWithRetry(ctx, broker.OrderRequest{
		Key:      trade.Key,
		Side:     trade.Side,
		Kind:     models.OrderKindLimit,
		Quantity: trade.Quantity,
		Price:    trade.LimitPrice,
		Tag:      fmt.Sprintf("%s-p%d", trade.ID, trade.Attempts),
	})
	if err != nil {
		return nil, fmt.Errorf("submitting parent: %w", err)
	}
	e.metrics.OrderPlaced("parent")

	trade.ParentOrderID = order.ID
	if err := trade.TransitionState(models.StateParentSubmitted, models.ConditionConflictsCleared); err != nil {
		return nil, err
	}
	if err := e.storage.SaveTrade(trade); err != nil {
		return nil, fmt.Errorf("persisting parent submit: %w", err)
	}
	e.logger.Printf("trade %s: parent order %d submitted, limit %.2f",
		trade.ID, order.ID, trade.LimitPrice)

	return e.awaitParent(ctx, trade)
}

// awaitParent polls an already-submitted parent order to an outcome.
func (e *Engine) awaitParent(ctx context.Context, trade *models.Trade) (*parentOutcome, error) {
	deadline := time.Now().Add(e.config.OrderTimeout)
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.stop:
			return nil, errStopped
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
			order, err := e.broker.GetOrder(callCtx, trade.ParentOrderID)
			cancel()
			if err != nil {
				e.logger.Printf("trade %s: polling parent %d: %v", trade.ID, trade.ParentOrderID, err)
				continue
			}
			switch {
			case order.CompletelyFilled():
				return &parentOutcome{
					kind:           parentFilled,
					avgFillPrice:   order.AvgFillPrice,
					filledQuantity: order.FilledQuantity,
				}, nil
			case order.Status == models.StatusRejected:
				return &parentOutcome{kind: parentRejected}, nil
			case order.Status == models.StatusCancelled:
				// Cancelled out from under us. A partial fill still
				// counts for the filled portion.
				if order.FilledQuantity > 0 {
					return &parentOutcome{
						kind:           parentFilled,
						avgFillPrice:   order.AvgFillPrice,
						filledQuantity: order.FilledQuantity,
					}, nil
				}
				return &parentOutcome{kind: parentRejected}, nil
			}
			if time.Now().After(deadline) {
				return e.cancelParent(ctx, trade)
			}
		}
	}
}

// cancelParent pulls a timed-out parent and reads back its final
// state. A fill that races the cancel wins.
func (e *Engine) cancelParent(ctx context.Context, trade *models.Trade) (*parentOutcome, error) {
	e.logger.Printf("trade %s: parent %d unfilled after %s, cancelling",
		trade.ID, trade.ParentOrderID, e.config.OrderTimeout)
	if err := e.retry.CancelOrderWithRetry(ctx, trade.ParentOrderID); err != nil {
		return nil, fmt.Errorf("cancelling parent %d: %w", trade.ParentOrderID, err)
	}
	e.metrics.OrderCanceled()

	final, err := e.awaitOrderTerminal(ctx, trade.ParentOrderID)
	if err != nil {
		return nil, fmt.Errorf("confirming parent %d cancel: %w", trade.ParentOrderID, err)
	}
	if final.FilledQuantity > 0 {
		return &parentOutcome{
			kind:           parentFilled,
			avgFillPrice:   final.AvgFillPrice,
			filledQuantity: final.FilledQuantity,
		}, nil
	}
	return &parentOutcome{kind: parentTimedOut}, nil
}

// awaitOrderTerminal polls an order until it reaches a terminal
// status, bounded by CancelWait.
func (e *Engine) awaitOrderTerminal(ctx context.Context, orderID int) (*models.LiveOrder, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.CancelWait)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("order %d still live after %s: %w",
				orderID, e.config.CancelWait, waitCtx.Err())
		case <-ticker.C:
			callCtx, cancelCall := context.WithTimeout(waitCtx, e.config.CallTimeout)
			order, err := e.broker.GetOrder(callCtx, orderID)
			cancelCall()
			if err != nil {
				e.logger.Printf("polling order %d: %v", orderID, err)
				continue
			}
			if order.Status.Terminal() {
				return order, nil
			}
		}
	}
}

// placeExits computes bracket prices off the actual fill, mints a
// fresh OCA group, and submits the take-profit and stop-loss legs.
// The caller holds the key lock.
func (e *Engine) placeExits(ctx context.Context, trade *models.Trade) error {
	tp, sl := strategy.BracketPrices(trade.FillPrice, e.config.TakeProfitPct, e.config.StopLossPct)
	trade.TakeProfitPrice = tp
	trade.StopLossPrice = sl
	trade.OCAGroup = e.oca.Mint(trade.ID)
	if err := e.storage.SaveTrade(trade); err != nil {
		return fmt.Errorf("persisting exit intent: %w", err)
	}

	tpOrder, err := e.retry.SubmitOrderWithRetry(ctx, broker.OrderRequest{
		Key:      trade.Key,
		Side:     trade.Side.Opposite(),
		Kind:     models.OrderKindLimit,
		Quantity: trade.FilledQuantity,
		Price:    tp,
		OCAGroup: trade.OCAGroup,
		Tag:      trade.ID + "-tp",
	})
	if err != nil {
		return e.fail(trade, models.ConditionFatalError,
			fmt.Errorf("submitting take-profit: %w", err))
	}
	e.metrics.OrderPlaced("take_profit")
	trade.TakeProfitOrderID = tpOrder.ID
	if err := e.storage.SaveTrade(trade); err != nil {
		return fmt.Errorf("persisting take-profit: %w", err)
	}

	slOrder, err := e.retry.SubmitOrderWithRetry(ctx, broker.OrderRequest{
		Key:      trade.Key,
		Side:     trade.Side.Opposite(),
		Kind:     models.OrderKindStop,
		Quantity: trade.FilledQuantity,
		Price:    sl,
		OCAGroup: trade.OCAGroup,
		Tag:      trade.ID + "-sl",
	})
	if err != nil {
		// Never leave a lone exit working. Pull the take-profit
		// before failing the trade.
		if cerr := e.retry.CancelOrderWithRetry(ctx, trade.TakeProfitOrderID); cerr != nil {
			e.logger.Printf("trade %s: ALERT: could not cancel lone take-profit %d: %v",
				trade.ID, trade.TakeProfitOrderID, cerr)
		} else {
			e.metrics.OrderCanceled()
		}
		trade.TakeProfitOrderID = 0
		return e.fail(trade, models.ConditionFatalError,
			fmt.Errorf("submitting stop-loss: %w", err))
	}
	e.metrics.OrderPlaced("stop_loss")
	trade.StopLossOrderID = slOrder.ID

	if err := trade.TransitionState(models.StateExitsSubmitted, models.ConditionExitsPlaced); err != nil {
		return e.fail(trade, models.ConditionFatalError, err)
	}
	if err := e.storage.SaveTrade(trade); err != nil {
		return fmt.Errorf("persisting exits: %w", err)
	}
	e.logger.Printf("trade %s: exits working, tp %d @ %.2f / sl %d @ %.2f, group %s",
		trade.ID, tpOrder.ID, tp, slOrder.ID, sl, trade.OCAGroup)
	return nil
}

// MonitorExits polls the exit pair until one fills and the other is
// confirmed dead, then closes and archives the trade. It blocks and
// is intended to run on its own goroutine; the key lock is taken only
// around the closing mutation.
func (e *Engine) MonitorExits(ctx context.Context, tradeID string) error {
	trade, ok := e.storage.GetTrade(tradeID)
	if !ok {
		return fmt.Errorf("loading trade %s: %w", tradeID, storage.ErrTradeNotFound)
	}
	if trade.GetCurrentState() != models.StateExitsSubmitted {
		return fmt.Errorf("trade %s not monitoring exits (state %s)", tradeID, trade.State)
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return errStopped
		case <-ticker.C:
			filled, sibling, reason, err := e.pollExitPair(ctx, trade)
			if err != nil {
				e.logger.Printf("trade %s: polling exits: %v", trade.ID, err)
				continue
			}
			if filled == nil {
				continue
			}
			if err := e.confirmSiblingDead(ctx, trade, sibling); err != nil {
				return err
			}
			return e.closeTrade(trade, filled, reason)
		}
	}
}

// pollExitPair reads both exit orders. It returns the filled leg and
// its sibling when one has filled, or nils while both are working.
func (e *Engine) pollExitPair(ctx context.Context, trade *models.Trade) (filled, sibling *models.LiveOrder, reason string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	tp, err := e.broker.GetOrder(callCtx, trade.TakeProfitOrderID)
	cancel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("take-profit %d: %w", trade.TakeProfitOrderID, err)
	}

	callCtx, cancel = context.WithTimeout(ctx, e.config.CallTimeout)
	sl, err := e.broker.GetOrder(callCtx, trade.StopLossOrderID)
	cancel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("stop-loss %d: %w", trade.StopLossOrderID, err)
	}

	switch {
	case tp.CompletelyFilled():
		return tp, sl, models.CloseReasonTakeProfit, nil
	case sl.CompletelyFilled():
		return sl, tp, models.CloseReasonStopLoss, nil
	}
	return nil, nil, "", nil
}

// confirmSiblingDead waits for the brokerage's OCA handling to cancel
// the losing leg, then force-cancels it if it is still live. Both
// exits working after a fill would risk an unintended long.
func (e *Engine) confirmSiblingDead(ctx context.Context, trade *models.Trade, sibling *models.LiveOrder) error {
	if sibling.Status.Terminal() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.config.ExitVerifyWait)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			e.logger.Printf("trade %s: ALERT: OCA sibling %d still live after fill, force-cancelling",
				trade.ID, sibling.ID)
			if err := e.retry.CancelOrderWithRetry(ctx, sibling.ID); err != nil {
				return fmt.Errorf("force-cancelling sibling %d: %w", sibling.ID, err)
			}
			e.metrics.OrderCanceled()
			if _, err := e.awaitOrderTerminal(ctx, sibling.ID); err != nil {
				return fmt.Errorf("sibling %d would not die: %w", sibling.ID, err)
			}
			return nil
		case <-ticker.C:
			callCtx, cancelCall := context.WithTimeout(waitCtx, e.config.CallTimeout)
			order, err := e.broker.GetOrder(callCtx, sibling.ID)
			cancelCall()
			if err != nil {
				e.logger.Printf("trade %s: polling sibling %d: %v", trade.ID, sibling.ID, err)
				continue
			}
			if order.Status.Terminal() {
				return nil
			}
		}
	}
}

// closeTrade records the exit fill, closes the trade, and archives it.
func (e *Engine) closeTrade(trade *models.Trade, filled *models.LiveOrder, reason string) error {
	e.locks.Lock(trade.Key)
	defer e.locks.Unlock(trade.Key)

	trade.ExitFill = filled.AvgFillPrice
	trade.CloseReason = reason
	if err := trade.TransitionState(models.StateClosed, models.ConditionExitFilled); err != nil {
		return e.fail(trade, models.ConditionFatalError, err)
	}
	if err := e.storage.SaveTrade(trade); err != nil {
		return fmt.Errorf("persisting close: %w", err)
	}
	if err := e.storage.ArchiveTrade(trade.ID); err != nil {
		return fmt.Errorf("archiving trade %s: %w", trade.ID, err)
	}
	e.metrics.TradeResult(reason)
	e.logger.Printf("trade %s: closed via %s @ %.2f, P&L %.2f",
		trade.ID, reason, trade.ExitFill, trade.RealizedPnL())
	return nil
}

// Resume re-attaches to any trades left in flight by a previous run.
// Blocking monitors are launched on their own goroutines via run.
func (e *Engine) Resume(ctx context.Context, run func(func())) error {
	for _, t := range e.storage.GetOpenTrades() {
		trade := t
		e.logger.Printf("trade %s: resuming in state %s", trade.ID, trade.State)
		e.attach(ctx, trade, run)
	}
	return nil
}

// ResumeTrade re-attaches to a single in-flight trade, dispatching on its
// persisted state. Used by the reconciler after it corrects a trade the
// engine was no longer watching.
func (e *Engine) ResumeTrade(ctx context.Context, tradeID string, run func(func())) error {
	trade, ok := e.storage.GetTrade(tradeID)
	if !ok {
		return fmt.Errorf("resuming trade %s: %w", tradeID, storage.ErrTradeNotFound)
	}
	e.attach(ctx, trade, run)
	return nil
}

func (e *Engine) attach(ctx context.Context, trade *models.Trade, run func(func())) {
	switch trade.GetCurrentState() {
	case models.StatePendingConflictCheck, models.StateTimedOut:
		run(func() { e.resumeEntry(ctx, trade) })
	case models.StateParentSubmitted:
		run(func() { e.resumeParent(ctx, trade) })
	case models.StateParentFilled:
		run(func() { e.resumeExitPlacement(ctx, trade) })
	case models.StateExitsSubmitted:
		run(func() {
			if err := e.MonitorExits(ctx, trade.ID); err != nil && !errors.Is(err, errStopped) {
				e.logger.Printf("trade %s: exit monitor: %v", trade.ID, err)
			}
		})
	}
}

func (e *Engine) resumeEntry(ctx context.Context, trade *models.Trade) {
	e.locks.Lock(trade.Key)
	defer e.locks.Unlock(trade.Key)

	if trade.GetCurrentState() == models.StateTimedOut {
		if trade.Attempts > e.config.MaxRetries {
			_ = e.fail(trade, models.ConditionRetriesExhausted,
				fmt.Errorf("%w: %d attempts", ErrParentTimeout, trade.Attempts))
			return
		}
		if err := trade.TransitionState(models.StatePendingConflictCheck, models.ConditionRetry); err != nil {
			_ = e.fail(trade, models.ConditionFatalError, err)
			return
		}
		if err := e.storage.SaveTrade(trade); err != nil {
			e.logger.Printf("trade %s: persisting resume: %v", trade.ID, err)
			return
		}
	}
	if err := e.runEntry(ctx, trade); err != nil && !errors.Is(err, errStopped) {
		e.logger.Printf("trade %s: resumed entry: %v", trade.ID, err)
	}
}

// resumeParent re-attaches to a parent order that was working when
// the process died. There is no conflict plan to restore across a
// restart; the reconciler reports anything stranded.
func (e *Engine) resumeParent(ctx context.Context, trade *models.Trade) {
	e.locks.Lock(trade.Key)
	defer e.locks.Unlock(trade.Key)

	outcome, err := e.awaitParent(ctx, trade)
	if err != nil {
		if !errors.Is(err, errStopped) && !errors.Is(err, context.Canceled) {
			_ = e.fail(trade, models.ConditionFatalError, err)
		}
		return
	}
	switch outcome.kind {
	case parentFilled:
		trade.FillPrice = outcome.avgFillPrice
		trade.FilledQuantity = outcome.filledQuantity
		if err := trade.TransitionState(models.StateParentFilled, models.ConditionParentFilled); err != nil {
			_ = e.fail(trade, models.ConditionFatalError, err)
			return
		}
		if err := e.storage.SaveTrade(trade); err != nil {
			e.logger.Printf("trade %s: persisting fill: %v", trade.ID, err)
			return
		}
		if err := e.placeExits(ctx, trade); err != nil {
			e.logger.Printf("trade %s: resumed exits: %v", trade.ID, err)
		}
	case parentRejected:
		_ = e.fail(trade, models.ConditionBrokerRejected,
			fmt.Errorf("%w: parent order %d", ErrBrokerRejection, trade.ParentOrderID))
	case parentTimedOut:
		if err := trade.TransitionState(models.StateTimedOut, models.ConditionOrderTimeout); err != nil {
			_ = e.fail(trade, models.ConditionFatalError, err)
			return
		}
		_ = e.fail(trade, models.ConditionRetriesExhausted,
			fmt.Errorf("%w after restart", ErrParentTimeout))
	}
}

func (e *Engine) resumeExitPlacement(ctx context.Context, trade *models.Trade) {
	e.locks.Lock(trade.Key)
	err := e.placeExits(ctx, trade)
	e.locks.Unlock(trade.Key)
	if err != nil {
		e.logger.Printf("trade %s: resumed exit placement: %v", trade.ID, err)
	}
}

// restore resubmits orders cancelled to clear the entry path, once
// the parent has reached a terminal outcome. Failures are logged and
// surfaced as divergences for the reconciler rather than failing the
// trade: the position is already established or abandoned by now.
func (e *Engine) restore(plan *ConflictPlan) {
	if plan == nil || len(plan.Cancelled) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.CancelWait)
	defer cancel()

	restored, err := e.conflicts.Restore(ctx, plan)
	for range restored {
		e.metrics.ConflictOutcome("restored")
		e.metrics.OrderPlaced("restore")
	}
	if err != nil {
		e.metrics.ConflictOutcome("restore_failed")
		e.logger.Printf("ALERT: restoring cancelled orders for %s: %v", plan.Key, err)
		for _, orig := range plan.Cancelled {
			div := models.Divergence{
				Kind:    models.DivergenceOrphanedLocalOrder,
				OrderID: orig.ID,
				Key:     plan.Key,
				Detail:  fmt.Sprintf("cancelled for entry and not restored: %v", err),
			}
			if rerr := e.storage.RecordDivergence(div); rerr != nil {
				e.logger.Printf("recording restore divergence: %v", rerr)
			}
		}
	}
}

// fail moves the trade to FAILED, persists, and archives it. The
// original error is returned for the caller.
func (e *Engine) fail(trade *models.Trade, condition string, cause error) error {
	e.logger.Printf("trade %s: failing (%s): %v", trade.ID, condition, cause)
	trade.CloseReason = models.CloseReasonFailed
	trade.TakeProfitOrderID = 0
	trade.StopLossOrderID = 0
	if err := trade.TransitionState(models.StateFailed, condition); err != nil {
		e.logger.Printf("trade %s: transition to failed: %v", trade.ID, err)
	}
	if err := e.storage.SaveTrade(trade); err != nil {
		e.logger.Printf("trade %s: persisting failure: %v", trade.ID, err)
	}
	if err := e.storage.ArchiveTrade(trade.ID); err != nil {
		e.logger.Printf("trade %s: archiving failure: %v", trade.ID, err)
	}
	e.metrics.TradeResult("failed")
	return cause
}

// shortID returns a compact unique trade identifier.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
