package models

import (
	"testing"
)

func TestTrade_RealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		trade Trade
		want  float64
	}{
		{
			name:  "full fill take profit",
			trade: Trade{Quantity: 2, FilledQuantity: 2, FillPrice: 2.50, ExitFill: 1.00},
			want:  300,
		},
		{
			// Only one of three lots worked before the timeout; the
			// exits covered that lot alone.
			name:  "partial fill realizes only the worked lot",
			trade: Trade{Quantity: 3, FilledQuantity: 1, FillPrice: 2.50, ExitFill: 1.00},
			want:  150,
		},
		{
			name:  "stop loss is a loss",
			trade: Trade{Quantity: 1, FilledQuantity: 1, FillPrice: 2.50, ExitFill: 7.50},
			want:  -500,
		},
		{
			// Older records predate FilledQuantity; fall back to the
			// requested quantity.
			name:  "legacy record without filled quantity",
			trade: Trade{Quantity: 2, FillPrice: 2.50, ExitFill: 1.00},
			want:  300,
		},
		{
			name:  "no exit fill yet",
			trade: Trade{Quantity: 1, FilledQuantity: 1, FillPrice: 2.50},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trade.RealizedPnL(); got != tt.want {
				t.Errorf("RealizedPnL() = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}
