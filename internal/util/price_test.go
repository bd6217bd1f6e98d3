package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"premium rounds down", 2.4712, 0.01, 2.47},
		{"premium rounds up", 2.478, 0.01, 2.48},
		{"nickel tick rounds down", 1.27, 0.05, 1.25},
		{"nickel tick rounds up", 1.28, 0.05, 1.30},
		{"exact multiple unchanged", 2.50, 0.01, 2.50},
		{"small premium", 0.034, 0.01, 0.03},
		{"negative price", -1.276, 0.01, -1.28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestRoundToTickEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		if result := RoundToTick(1.2345, 0); result != 1.2345 {
			t.Errorf("RoundToTick(1.2345, 0) = %v, expected input back", result)
		}
	})

	t.Run("negative tick returns input", func(t *testing.T) {
		if result := RoundToTick(1.2345, -0.01); result != 1.2345 {
			t.Errorf("RoundToTick(1.2345, -0.01) = %v, expected input back", result)
		}
	})

	t.Run("NaN propagates", func(t *testing.T) {
		if result := RoundToTick(math.NaN(), 0.01); !math.IsNaN(result) {
			t.Errorf("RoundToTick(NaN, 0.01) = %v, expected NaN", result)
		}
	})
}
