package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/akramer/wheelhouse/internal/models"
)

func testKey() models.InstrumentKey {
	return models.InstrumentKey{Symbol: "SPY", Strike: 420, Expiration: "2026-11-20", Right: models.RightPut}
}

func newTestStorage(t *testing.T) *JSONStorage {
	t.Helper()
	s, err := NewJSONStorage(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	return s
}

func TestJSONStorage_SaveTradeAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 2, 2.45, time.Now())
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	// A second storage over the same file sees the trade.
	s2, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := s2.GetTrade("T-1")
	if !ok {
		t.Fatal("trade not found after reload")
	}
	if got.Key != trade.Key || got.Quantity != 2 || got.State != models.StatePendingConflictCheck {
		t.Errorf("reloaded trade = %+v", got)
	}

	// The reloaded trade's machine is rebuilt lazily from canonical state.
	if err := got.TransitionState(models.StateParentSubmitted, models.ConditionConflictsCleared); err != nil {
		t.Errorf("transition after reload: %v", err)
	}
}

func TestJSONStorage_GetTradeReturnsCopy(t *testing.T) {
	s := newTestStorage(t)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, time.Now())
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	got, _ := s.GetTrade("T-1")
	got.Quantity = 99

	again, _ := s.GetTrade("T-1")
	if again.Quantity != 1 {
		t.Errorf("mutating a returned trade leaked into the ledger: quantity = %d", again.Quantity)
	}
}

func TestJSONStorage_HasOpenTradeForDay(t *testing.T) {
	s := newTestStorage(t)
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, now)
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	if !s.HasOpenTradeForDay(testKey(), "2026-08-28") {
		t.Error("expected open trade for key and day")
	}
	if s.HasOpenTradeForDay(testKey(), "2026-08-29") {
		t.Error("different day should not match")
	}
	other := testKey()
	other.Strike = 410
	if s.HasOpenTradeForDay(other, "2026-08-28") {
		t.Error("different key should not match")
	}

	// Terminal trades do not block re-initiation.
	trade.State = models.StateFailed
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if s.HasOpenTradeForDay(testKey(), "2026-08-28") {
		t.Error("terminal trade should not count as open")
	}
}

func TestJSONStorage_GetTradeByOrderID(t *testing.T) {
	s := newTestStorage(t)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, time.Now())
	trade.ParentOrderID = 1001
	trade.TakeProfitOrderID = 1002
	trade.StopLossOrderID = 1003
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	for _, id := range []int{1001, 1002, 1003} {
		if got := s.GetTradeByOrderID(id); got == nil || got.ID != "T-1" {
			t.Errorf("GetTradeByOrderID(%d) = %v, want T-1", id, got)
		}
	}
	if got := s.GetTradeByOrderID(9999); got != nil {
		t.Errorf("unknown order id should return nil, got %v", got)
	}
	if got := s.GetTradeByOrderID(0); got != nil {
		t.Error("order id 0 should never match")
	}
}

func TestJSONStorage_ArchiveTrade(t *testing.T) {
	s := newTestStorage(t)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, time.Now())
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	// Live trades cannot be archived.
	err := s.ArchiveTrade("T-1")
	if !errors.Is(err, ErrTradeNotTerminal) {
		t.Fatalf("archive live trade: err = %v, want ErrTradeNotTerminal", err)
	}

	trade.State = models.StateClosed
	trade.FillPrice = 2.50
	trade.ExitFill = 1.00
	trade.CloseReason = "take_profit"
	trade.ClosedAt = time.Now()
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	if err := s.ArchiveTrade("T-1"); err != nil {
		t.Fatalf("ArchiveTrade: %v", err)
	}

	if _, ok := s.GetTrade("T-1"); ok {
		t.Error("archived trade should leave the active set")
	}
	history := s.GetHistory()
	if len(history) != 1 || history[0].ID != "T-1" {
		t.Fatalf("history = %+v, want archived T-1", history)
	}

	stats := s.GetStatistics()
	if stats.TotalTrades != 1 || stats.WinningTrades != 1 {
		t.Errorf("stats = %+v, want one winning trade", stats)
	}
	// (2.50 - 1.00) x 1 x 100
	if stats.TotalPnL != 150 {
		t.Errorf("TotalPnL = %.2f, want 150", stats.TotalPnL)
	}

	if err := s.ArchiveTrade("T-1"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("double archive: err = %v, want ErrTradeNotFound", err)
	}
}

func TestJSONStorage_FailedTradeCountsSeparately(t *testing.T) {
	s := newTestStorage(t)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, time.Now())
	trade.State = models.StateFailed
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.ArchiveTrade("T-1"); err != nil {
		t.Fatalf("ArchiveTrade: %v", err)
	}

	stats := s.GetStatistics()
	if stats.FailedTrades != 1 || stats.WinningTrades != 0 || stats.LosingTrades != 0 {
		t.Errorf("stats = %+v, want one failed trade and no P&L buckets", stats)
	}
}

func TestJSONStorage_Divergences(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		err := s.RecordDivergence(models.Divergence{
			Kind:    models.DivergenceOrphanedLocalOrder,
			TradeID: "T-1",
			OrderID: 1000 + i,
			Key:     testKey(),
			Detail:  "order missing at broker",
		})
		if err != nil {
			t.Fatalf("RecordDivergence: %v", err)
		}
	}

	all := s.GetDivergences(0)
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].DetectedAt.IsZero() {
		t.Error("DetectedAt should be stamped when zero")
	}

	last := s.GetDivergences(2)
	if len(last) != 2 || last[1].OrderID != 1002 {
		t.Errorf("GetDivergences(2) = %+v, want newest two", last)
	}
}

func TestJSONStorage_GetOpenTradeForKey(t *testing.T) {
	s := newTestStorage(t)

	trade := models.NewTrade("T-1", testKey(), models.SideSell, 1, 2.45, time.Now())
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	if got := s.GetOpenTradeForKey(testKey()); got == nil || got.ID != "T-1" {
		t.Errorf("GetOpenTradeForKey = %v, want T-1", got)
	}

	other := testKey()
	other.Right = models.RightCall
	if got := s.GetOpenTradeForKey(other); got != nil {
		t.Errorf("different right should not match, got %v", got)
	}
}
