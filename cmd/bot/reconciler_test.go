package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/orders"
	"github.com/akramer/wheelhouse/internal/storage"
)

var reconKey = models.InstrumentKey{
	Symbol:     "SPY",
	Strike:     430,
	Expiration: "2026-12-18",
	Right:      models.RightPut,
}

func newTestReconciler(sim *broker.SimBroker, store storage.Interface) *Reconciler {
	logger := log.New(io.Discard, "", 0)
	return NewReconciler(sim, store, orders.NewKeyLocker(), logger, nil, "SPY", 0.01)
}

func seedParentSubmitted(t *testing.T, store storage.Interface, id string, orderID int) *models.Trade {
	t.Helper()
	trade := models.NewTrade(id, reconKey, models.SideSell, 1, 2.50, time.Now())
	trade.ParentOrderID = orderID
	if err := trade.TransitionState(models.StateParentSubmitted, models.ConditionConflictsCleared); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("saving trade: %v", err)
	}
	return trade
}

func seedExitsSubmitted(t *testing.T, store storage.Interface, id string, tpID, slID int) *models.Trade {
	t.Helper()
	trade := models.NewTrade(id, reconKey, models.SideSell, 1, 2.50, time.Now())
	trade.ParentOrderID = 900
	if err := trade.TransitionState(models.StateParentSubmitted, models.ConditionConflictsCleared); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}
	trade.FillPrice = 2.50
	trade.FilledQuantity = 1
	if err := trade.TransitionState(models.StateParentFilled, models.ConditionParentFilled); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}
	trade.TakeProfitOrderID = tpID
	trade.TakeProfitPrice = 1.00
	trade.StopLossOrderID = slID
	trade.StopLossPrice = 7.50
	trade.OCAGroup = "wh-oca-" + id + "-abc123"
	if err := trade.TransitionState(models.StateExitsSubmitted, models.ConditionExitsPlaced); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("saving trade: %v", err)
	}
	return trade
}

func TestSweep_MissedParentFill(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()
	seedParentSubmitted(t, store, "t1", 5001)

	// Broker shows the parent filled; nothing is live and the ledger
	// never saw it.
	sim.InjectExecution(models.Execution{
		OrderID: 5001, Key: reconKey, Side: models.SideSell, Quantity: 1, Price: 2.55,
	})

	resumed := []string{}
	r := newTestReconciler(sim, store)
	r.SetResume(func(id string) { resumed = append(resumed, id) })

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	trade, ok := store.GetTrade("t1")
	if !ok {
		t.Fatal("trade gone")
	}
	if got := trade.GetCurrentState(); got != models.StateParentFilled {
		t.Errorf("state = %s, want %s", got, models.StateParentFilled)
	}
	if trade.FillPrice != 2.55 || trade.FilledQuantity != 1 {
		t.Errorf("fill = %d @ %.2f, want 1 @ 2.55", trade.FilledQuantity, trade.FillPrice)
	}
	if len(resumed) != 1 || resumed[0] != "t1" {
		t.Errorf("resumed = %v, want [t1]", resumed)
	}

	divs := store.GetDivergences(10)
	if len(divs) != 1 {
		t.Fatalf("divergences = %d, want 1", len(divs))
	}
	if divs[0].Kind != models.DivergenceMissedFill || !divs[0].Corrected {
		t.Errorf("divergence = %+v, want corrected MISSED_FILL", divs[0])
	}
}

func TestSweep_MissedExitFillCancelsSibling(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()

	// Stop loss still resting at the broker, take profit filled while
	// nothing was watching. OCA should have pulled the sibling; it did not.
	slID := sim.InjectOrder(models.LiveOrder{
		Key: reconKey, Side: models.SideBuy, Kind: models.OrderKindStop, Price: 7.50, Quantity: 1,
	})
	tpID := 6001
	sim.InjectExecution(models.Execution{
		OrderID: tpID, Key: reconKey, Side: models.SideBuy, Quantity: 1, Price: 1.00,
	})
	seedExitsSubmitted(t, store, "t2", tpID, slID)

	r := newTestReconciler(sim, store)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	sibling, ok := sim.Order(slID)
	if !ok || sibling.Status != models.StatusCancelled {
		t.Errorf("sibling status = %s, want %s", sibling.Status, models.StatusCancelled)
	}
	if _, open := store.GetTrade("t2"); open {
		t.Error("trade still open, want archived")
	}

	var archived *models.Trade
	for _, h := range store.GetHistory() {
		if h.ID == "t2" {
			hc := h
			archived = &hc
		}
	}
	if archived == nil {
		t.Fatal("trade not in history")
	}
	if archived.CloseReason != models.CloseReasonTakeProfit {
		t.Errorf("close reason = %s, want %s", archived.CloseReason, models.CloseReasonTakeProfit)
	}
	if archived.ExitFill != 1.00 {
		t.Errorf("exit fill = %.2f, want 1.00", archived.ExitFill)
	}

	divs := store.GetDivergences(10)
	if len(divs) != 1 || divs[0].Kind != models.DivergenceMissedFill {
		t.Fatalf("divergences = %+v, want one MISSED_FILL", divs)
	}
}

func TestSweep_PriceMismatchCorrected(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()

	parentID := sim.InjectOrder(models.LiveOrder{
		Key: reconKey, Side: models.SideSell, Kind: models.OrderKindLimit, Price: 2.40, Quantity: 1,
	})
	seedParentSubmitted(t, store, "t3", parentID)

	r := newTestReconciler(sim, store)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	trade, _ := store.GetTrade("t3")
	if trade.LimitPrice != 2.40 {
		t.Errorf("limit price = %.2f, want broker's 2.40", trade.LimitPrice)
	}
	if got := trade.GetCurrentState(); got != models.StateParentSubmitted {
		t.Errorf("state = %s, price drift must not change state", got)
	}

	divs := store.GetDivergences(10)
	if len(divs) != 1 || divs[0].Kind != models.DivergencePriceMismatch || !divs[0].Corrected {
		t.Fatalf("divergences = %+v, want one corrected PRICE_MISMATCH", divs)
	}
}

func TestSweep_OrphanedParentReportedOnce(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()

	// Parent known to the ledger but the broker has no trace of it.
	seedParentSubmitted(t, store, "t4", 7001)

	r := newTestReconciler(sim, store)
	for i := 0; i < 3; i++ {
		if err := r.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
	}

	trade, _ := store.GetTrade("t4")
	if got := trade.GetCurrentState(); got != models.StateParentSubmitted {
		t.Errorf("state = %s, orphan report must not mutate the trade", got)
	}

	divs := store.GetDivergences(10)
	if len(divs) != 1 {
		t.Fatalf("divergences = %d, want 1 after repeated sweeps", len(divs))
	}
	if divs[0].Kind != models.DivergenceOrphanedLocalOrder || divs[0].Corrected {
		t.Errorf("divergence = %+v, want report-only ORPHANED_LOCAL_ORDER", divs[0])
	}
}

func TestSweep_UntrackedBrokerOrder(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()

	strayID := sim.InjectOrder(models.LiveOrder{
		Key: reconKey, Side: models.SideSell, Kind: models.OrderKindLimit, Price: 3.10, Quantity: 2,
	})
	// Different underlying, none of our business.
	sim.InjectOrder(models.LiveOrder{
		Key:  models.InstrumentKey{Symbol: "QQQ", Strike: 400, Expiration: "2026-12-18", Right: models.RightPut},
		Side: models.SideSell, Kind: models.OrderKindLimit, Price: 1.50, Quantity: 1,
	})

	r := newTestReconciler(sim, store)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	divs := store.GetDivergences(10)
	if len(divs) != 1 {
		t.Fatalf("divergences = %d, want 1", len(divs))
	}
	if divs[0].Kind != models.DivergenceUntrackedBrokerOrder || divs[0].OrderID != strayID {
		t.Errorf("divergence = %+v, want UNTRACKED_BROKER_ORDER for %d", divs[0], strayID)
	}

	// Report only: the stray order must be left alone.
	if stray, _ := sim.Order(strayID); stray.Status != models.StatusSubmitted {
		t.Errorf("stray order status = %s, want untouched", stray.Status)
	}
}

func TestSweep_TrackedOrdersNotFlagged(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()

	parentID := sim.InjectOrder(models.LiveOrder{
		Key: reconKey, Side: models.SideSell, Kind: models.OrderKindLimit, Price: 2.50, Quantity: 1,
	})
	seedParentSubmitted(t, store, "t5", parentID)

	r := newTestReconciler(sim, store)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if divs := store.GetDivergences(10); len(divs) != 0 {
		t.Fatalf("divergences = %+v, want none for a clean ledger", divs)
	}

	trade, _ := store.GetTrade("t5")
	if trade.LastChecked.IsZero() {
		t.Error("LastChecked not stamped")
	}
}
