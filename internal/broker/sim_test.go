package broker

import (
	"context"
	"testing"
	"time"

	"github.com/akramer/wheelhouse/internal/models"
)

func simKey() models.InstrumentKey {
	return models.InstrumentKey{Symbol: "SPY", Strike: 420, Expiration: "2026-11-20", Right: models.RightPut}
}

func TestSimBroker_SubmitAndFill(t *testing.T) {
	sim := NewSimBroker()
	ctx := context.Background()

	order, err := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideSell, Kind: models.OrderKindLimit, Quantity: 2, Price: 2.45,
	})
	if err != nil {
		t.Fatalf("SubmitOrder error: %v", err)
	}
	if order.Status != models.StatusSubmitted {
		t.Errorf("Status = %s, want SUBMITTED", order.Status)
	}

	if err := sim.FillOrder(order.ID, 2.48); err != nil {
		t.Fatalf("FillOrder error: %v", err)
	}

	got, err := sim.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if got.Status != models.StatusFilled {
		t.Errorf("Status = %s, want FILLED", got.Status)
	}
	if got.AvgFillPrice != 2.48 {
		t.Errorf("AvgFillPrice = %.2f, want 2.48", got.AvgFillPrice)
	}

	execs, err := sim.GetExecutions(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetExecutions error: %v", err)
	}
	if len(execs) != 1 || execs[0].OrderID != order.ID {
		t.Errorf("execs = %+v, want one fill for order %d", execs, order.ID)
	}
}

func TestSimBroker_PartialFillAveragesPrice(t *testing.T) {
	sim := NewSimBroker()
	ctx := context.Background()

	order, err := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideSell, Kind: models.OrderKindLimit, Quantity: 4, Price: 2.40,
	})
	if err != nil {
		t.Fatalf("SubmitOrder error: %v", err)
	}

	if err := sim.PartialFillOrder(order.ID, 2.40, 1); err != nil {
		t.Fatalf("partial fill 1: %v", err)
	}
	got, _ := sim.GetOrder(ctx, order.ID)
	if got.Status != models.StatusSubmitted {
		t.Errorf("Status after partial = %s, want SUBMITTED", got.Status)
	}
	if got.RemainingQuantity() != 3 {
		t.Errorf("Remaining = %d, want 3", got.RemainingQuantity())
	}

	if err := sim.PartialFillOrder(order.ID, 2.60, 3); err != nil {
		t.Fatalf("partial fill 2: %v", err)
	}
	got, _ = sim.GetOrder(ctx, order.ID)
	if got.Status != models.StatusFilled {
		t.Errorf("Status = %s, want FILLED", got.Status)
	}
	want := (2.40*1 + 2.60*3) / 4
	if diff := got.AvgFillPrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("AvgFillPrice = %.4f, want %.4f", got.AvgFillPrice, want)
	}

	if err := sim.PartialFillOrder(order.ID, 2.60, 1); err == nil {
		t.Error("filling a terminal order should fail")
	}
}

func TestSimBroker_OCASiblingCancellation(t *testing.T) {
	sim := NewSimBroker()
	ctx := context.Background()

	tp, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideBuy, Kind: models.OrderKindLimit, Quantity: 1, Price: 0.98, OCAGroup: "OCA-1",
	})
	sl, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideBuy, Kind: models.OrderKindStop, Quantity: 1, Price: 7.35, OCAGroup: "OCA-1",
	})

	if err := sim.FillOrder(tp.ID, 0.98); err != nil {
		t.Fatalf("FillOrder error: %v", err)
	}

	got, _ := sim.GetOrder(ctx, sl.ID)
	if got.Status != models.StatusCancelled {
		t.Errorf("sibling status = %s, want CANCELLED", got.Status)
	}
	if sim.LiveCount() != 0 {
		t.Errorf("LiveCount = %d, want 0", sim.LiveCount())
	}
}

func TestSimBroker_OCADisabledLeavesSiblingLive(t *testing.T) {
	sim := NewSimBroker()
	sim.OCADisabled = true
	ctx := context.Background()

	tp, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideBuy, Kind: models.OrderKindLimit, Quantity: 1, Price: 0.98, OCAGroup: "OCA-1",
	})
	sl, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideBuy, Kind: models.OrderKindStop, Quantity: 1, Price: 7.35, OCAGroup: "OCA-1",
	})

	_ = sim.FillOrder(tp.ID, 0.98)

	got, _ := sim.GetOrder(ctx, sl.ID)
	if !got.Status.Live() {
		t.Errorf("sibling status = %s, want live when OCA is disabled", got.Status)
	}
}

func TestSimBroker_CancelHangs(t *testing.T) {
	sim := NewSimBroker()
	sim.CancelHangs = true
	ctx := context.Background()

	order, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideSell, Kind: models.OrderKindLimit, Quantity: 1, Price: 2.45,
	})

	if err := sim.CancelOrder(ctx, order.ID); err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}

	got, _ := sim.GetOrder(ctx, order.ID)
	if got.Status.Terminal() {
		t.Errorf("status = %s, want still live while cancel hangs", got.Status)
	}
}

func TestSimBroker_ContextCancellation(t *testing.T) {
	sim := NewSimBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sim.SubmitOrder(ctx, OrderRequest{Key: simKey(), Side: models.SideSell, Quantity: 1, Price: 1}); err == nil {
		t.Error("SubmitOrder should fail on cancelled context")
	}
	if _, err := sim.GetLiveOrders(ctx); err == nil {
		t.Error("GetLiveOrders should fail on cancelled context")
	}
}

func TestSimBroker_InjectOrderAndExecution(t *testing.T) {
	sim := NewSimBroker()
	ctx := context.Background()

	id := sim.InjectOrder(models.LiveOrder{
		Key: simKey(), Side: models.SideSell, Kind: models.OrderKindLimit, Price: 2.00, Quantity: 1,
	})
	live, err := sim.GetLiveOrders(ctx)
	if err != nil {
		t.Fatalf("GetLiveOrders error: %v", err)
	}
	if len(live) != 1 || live[0].ID != id {
		t.Fatalf("live = %+v, want injected order %d", live, id)
	}

	sim.InjectExecution(models.Execution{OrderID: 777, Key: simKey(), Side: models.SideSell, Quantity: 1, Price: 2.11})
	execs, err := sim.GetExecutions(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetExecutions error: %v", err)
	}
	if len(execs) != 1 || execs[0].OrderID != 777 {
		t.Errorf("execs = %+v, want injected execution", execs)
	}
}

func TestSimBroker_GlobalCancel(t *testing.T) {
	sim := NewSimBroker()
	ctx := context.Background()

	a, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideSell, Kind: models.OrderKindLimit, Quantity: 1, Price: 2.45,
	})
	b, _ := sim.SubmitOrder(ctx, OrderRequest{
		Key: simKey(), Side: models.SideBuy, Kind: models.OrderKindLimit, Quantity: 1, Price: 1.00,
	})
	if err := sim.FillOrder(a.ID, 2.45); err != nil {
		t.Fatalf("FillOrder error: %v", err)
	}

	if err := sim.GlobalCancel(ctx); err != nil {
		t.Fatalf("GlobalCancel error: %v", err)
	}

	filled, _ := sim.GetOrder(ctx, a.ID)
	if filled.Status != models.StatusFilled {
		t.Errorf("filled order status = %s, want untouched FILLED", filled.Status)
	}
	cancelled, _ := sim.GetOrder(ctx, b.ID)
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("live order status = %s, want CANCELLED", cancelled.Status)
	}
}
