// Package strategy selects the option contract to sell and derives the
// bracket exit prices from the actual entry fill.
package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/util"
)

// Tick is the price increment for option limit prices.
const Tick = 0.01

// Config holds the put-selling strategy parameters.
type Config struct {
	Symbol        string
	TargetDelta   float64 // 0.15 for 15 delta (magnitude)
	TargetDTE     int     // 90 days
	MinDTE        int     // reject expirations closer than this
	MaxDTE        int     // reject expirations further than this
	Quantity      int
	MinCredit     float64 // minimum acceptable premium
	TakeProfitPct float64 // 60 closes at 40% of entry credit
	StopLossPct   float64 // 200 stops at 3x entry credit
}

// Proposal is a concrete contract selection ready for execution.
type Proposal struct {
	Key        models.InstrumentKey
	Quantity   int
	LimitPrice float64
	Delta      float64
	SpotPrice  float64
}

// PutSeller proposes short puts on the configured underlying by target delta
// and days to expiration.
type PutSeller struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewPutSeller creates a put-selling strategy.
func NewPutSeller(b broker.Broker, logger *log.Logger, config Config) *PutSeller {
	if logger == nil {
		logger = log.Default()
	}
	return &PutSeller{broker: b, logger: logger, config: config}
}

// SelectContract picks the put closest to the target delta on the expiration
// closest to the target DTE, pricing the entry at the bid/ask midpoint.
func (s *PutSeller) SelectContract(ctx context.Context, now time.Time) (*Proposal, error) {
	quote, err := s.broker.GetQuote(ctx, s.config.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quoting %s: %w", s.config.Symbol, err)
	}

	expiration, err := s.findTargetExpiration(ctx, now)
	if err != nil {
		return nil, err
	}

	chain, err := s.broker.GetOptionChain(ctx, s.config.Symbol, expiration, true)
	if err != nil {
		return nil, fmt.Errorf("fetching chain %s %s: %w", s.config.Symbol, expiration, err)
	}

	put := broker.OptionByDelta(chain, models.RightPut, s.config.TargetDelta)
	if put == nil {
		return nil, fmt.Errorf("no put with greeks found in %s %s chain", s.config.Symbol, expiration)
	}

	limit := util.RoundToTick(put.Mid(), Tick)
	if limit < s.config.MinCredit {
		return nil, fmt.Errorf("credit too low: %.2f < %.2f", limit, s.config.MinCredit)
	}

	key := models.InstrumentKey{
		Symbol:     s.config.Symbol,
		Strike:     put.Strike,
		Expiration: expiration,
		Right:      models.RightPut,
	}

	s.logger.Printf("Selected %s (delta %.3f, spot %.2f) at limit %.2f",
		key, put.Greeks.Delta, quote.Last, limit)

	return &Proposal{
		Key:        key,
		Quantity:   s.config.Quantity,
		LimitPrice: limit,
		Delta:      put.Greeks.Delta,
		SpotPrice:  quote.Last,
	}, nil
}

// findTargetExpiration returns the listed expiration closest to TargetDTE
// within the [MinDTE, MaxDTE] window.
func (s *PutSeller) findTargetExpiration(ctx context.Context, now time.Time) (string, error) {
	dates, err := s.broker.GetExpirations(ctx, s.config.Symbol)
	if err != nil {
		return "", fmt.Errorf("fetching expirations for %s: %w", s.config.Symbol, err)
	}

	best := ""
	bestDiff := 1 << 30
	for _, raw := range dates {
		date, err := models.NormalizeExpiration(raw)
		if err != nil {
			continue
		}
		key := models.InstrumentKey{Expiration: date}
		dte := key.DTE(now)
		if s.config.MinDTE > 0 && dte < s.config.MinDTE {
			continue
		}
		if s.config.MaxDTE > 0 && dte > s.config.MaxDTE {
			continue
		}
		diff := dte - s.config.TargetDTE
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = date
		}
	}

	if best == "" {
		return "", fmt.Errorf("no expiration within %d-%d DTE for %s", s.config.MinDTE, s.config.MaxDTE, s.config.Symbol)
	}
	return best, nil
}

// BracketPrices derives the exit prices from the actual entry fill. For a
// short entry at F, the take-profit buys back at F*(1-tp/100) and the stop
// triggers at F*(1+sl/100). Both are rounded to the tick; the take-profit
// never rounds below one tick.
func BracketPrices(fillPrice, takeProfitPct, stopLossPct float64) (takeProfit, stopLoss float64) {
	takeProfit = util.RoundToTick(fillPrice*(1-takeProfitPct/100), Tick)
	if takeProfit < Tick {
		takeProfit = Tick
	}
	stopLoss = util.RoundToTick(fillPrice*(1+stopLossPct/100), Tick)
	return takeProfit, stopLoss
}
