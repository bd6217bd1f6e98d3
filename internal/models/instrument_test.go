package models

import (
	"testing"
	"time"
)

func TestInstrumentKey_OptionSymbol(t *testing.T) {
	tests := []struct {
		name string
		key  InstrumentKey
		want string
	}{
		{
			name: "SPY put",
			key:  InstrumentKey{Symbol: "SPY", Strike: 420, Expiration: "2026-11-20", Right: RightPut},
			want: "SPY261120P00420000",
		},
		{
			name: "fractional strike",
			key:  InstrumentKey{Symbol: "IWM", Strike: 187.5, Expiration: "2026-09-18", Right: RightPut},
			want: "IWM260918P00187500",
		},
		{
			name: "call",
			key:  InstrumentKey{Symbol: "SPY", Strike: 500, Expiration: "2027-01-15", Right: RightCall},
			want: "SPY270115C00500000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.key.OptionSymbol()
			if err != nil {
				t.Fatalf("OptionSymbol() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("OptionSymbol() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseOptionSymbol(t *testing.T) {
	key, err := ParseOptionSymbol("SPY261120P00420000")
	if err != nil {
		t.Fatalf("ParseOptionSymbol failed: %v", err)
	}

	if key.Symbol != "SPY" {
		t.Errorf("Symbol = %s, want SPY", key.Symbol)
	}
	if key.Strike != 420 {
		t.Errorf("Strike = %.2f, want 420", key.Strike)
	}
	if key.Expiration != "2026-11-20" {
		t.Errorf("Expiration = %s, want 2026-11-20", key.Expiration)
	}
	if key.Right != RightPut {
		t.Errorf("Right = %s, want P", key.Right)
	}
}

func TestParseOptionSymbol_RoundTrip(t *testing.T) {
	symbols := []string{
		"SPY261120P00420000",
		"IWM260918P00187500",
		"QQQ270115C00500000",
	}

	for _, sym := range symbols {
		key, err := ParseOptionSymbol(sym)
		if err != nil {
			t.Fatalf("parse %s: %v", sym, err)
		}
		got, err := key.OptionSymbol()
		if err != nil {
			t.Fatalf("render %s: %v", sym, err)
		}
		if got != sym {
			t.Errorf("round trip %s -> %s", sym, got)
		}
	}
}

func TestParseOptionSymbol_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"SPY",
		"SPY261120X00420000", // bad right
		"SPY261120P0042000",  // short strike
		"261120P00420000",    // missing underlying
	}

	for _, sym := range invalid {
		if _, err := ParseOptionSymbol(sym); err == nil {
			t.Errorf("ParseOptionSymbol(%q) should fail", sym)
		}
	}
}

func TestInstrumentKey_DTE(t *testing.T) {
	now := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	key := InstrumentKey{Symbol: "SPY", Strike: 420, Expiration: "2026-11-28", Right: RightPut}

	if got := key.DTE(now); got != 90 {
		t.Errorf("DTE = %d, want 90", got)
	}
}

func TestNormalizeExpiration(t *testing.T) {
	for _, in := range []string{"2026-11-20", "20261120"} {
		got, err := NormalizeExpiration(in)
		if err != nil {
			t.Fatalf("NormalizeExpiration(%q): %v", in, err)
		}
		if got != "2026-11-20" {
			t.Errorf("NormalizeExpiration(%q) = %s, want 2026-11-20", in, got)
		}
	}

	if _, err := NormalizeExpiration("11/20/2026"); err == nil {
		t.Error("NormalizeExpiration should reject unknown formats")
	}
}

func TestSide_Opposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Error("BUY opposite should be SELL")
	}
	if SideSell.Opposite() != SideBuy {
		t.Error("SELL opposite should be BUY")
	}
}

func TestOrderStatus_TerminalAndLive(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusInactive}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
		if st.Live() {
			t.Errorf("%s should not be live", st)
		}
	}

	live := []OrderStatus{StatusPending, StatusSubmitted, StatusPreSubmitted}
	for _, st := range live {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
		if !st.Live() {
			t.Errorf("%s should be live", st)
		}
	}
}

func TestDivergenceKind_AutoCorrectable(t *testing.T) {
	if !DivergencePriceMismatch.AutoCorrectable() {
		t.Error("price mismatch should be auto-correctable")
	}
	if !DivergenceMissedFill.AutoCorrectable() {
		t.Error("missed fill should be auto-correctable")
	}
	if DivergenceOrphanedLocalOrder.AutoCorrectable() {
		t.Error("orphaned local order should be report-only")
	}
	if DivergenceUntrackedBrokerOrder.AutoCorrectable() {
		t.Error("untracked broker order should be report-only")
	}
}

func TestOptionSymbol_Invalid(t *testing.T) {
	badExp := InstrumentKey{Symbol: "SPY", Strike: 430, Expiration: "12/18/2026", Right: RightPut}
	if _, err := badExp.OptionSymbol(); err == nil {
		t.Error("OptionSymbol() should fail on a malformed expiration")
	}

	badRight := InstrumentKey{Symbol: "SPY", Strike: 430, Expiration: "2026-12-18", Right: "X"}
	if _, err := badRight.OptionSymbol(); err == nil {
		t.Error("OptionSymbol() should fail on an invalid right")
	}
}
