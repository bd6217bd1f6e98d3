package main

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/config"
	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/orders"
	"github.com/akramer/wheelhouse/internal/storage"
	"github.com/akramer/wheelhouse/internal/strategy"
)

func newTestBot(sim *broker.SimBroker, store storage.Interface) *Bot {
	logger := log.New(io.Discard, "", 0)
	stop := make(chan struct{})
	engineCfg := orders.Config{
		PollInterval:   time.Millisecond,
		OrderTimeout:   time.Second,
		CancelWait:     200 * time.Millisecond,
		CallTimeout:    100 * time.Millisecond,
		ExitVerifyWait: 20 * time.Millisecond,
		MaxRetries:     1,
		RetryPriceStep: 0.05,
		TakeProfitPct:  60,
		StopLossPct:    200,
	}
	sellerCfg := strategy.Config{
		Symbol:      "SPY",
		TargetDelta: 0.15,
		TargetDTE:   90,
		MinDTE:      60,
		MaxDTE:      120,
		Quantity:    1,
		MinCredit:   0.50,
	}
	return &Bot{
		broker:  sim,
		storage: store,
		logger:  logger,
		stop:    stop,
		engine:  orders.NewEngine(sim, store, orders.NewKeyLocker(), logger, stop, engineCfg),
		seller:  strategy.NewPutSeller(sim, logger, sellerCfg),
	}
}

// scriptMarket gives the simulator a quote and a single-put chain 90
// days out so contract selection has something to pick.
func scriptMarket(sim *broker.SimBroker) string {
	expiration := time.Now().AddDate(0, 0, 90).Format("2006-01-02")
	sim.SetQuote("SPY", broker.Quote{Symbol: "SPY", Bid: 509.9, Ask: 510.1, Last: 510})
	sim.SetOptionChain("SPY", expiration, []broker.Option{
		{
			OptionType: "put",
			Strike:     430,
			Bid:        2.45,
			Ask:        2.55,
			Greeks:     &broker.Greeks{Delta: -0.15},
		},
	})
	return expiration
}

func TestEngineConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.PollInterval = "500ms"
	cfg.Engine.MaxRetries = 3
	cfg.Engine.RetryPriceStep = 0.10
	cfg.Bracket.TakeProfitPct = 50
	cfg.Bracket.StopLossPct = 150

	got := engineConfig(cfg)
	assert.Equal(t, 500*time.Millisecond, got.PollInterval)
	assert.Equal(t, 3, got.MaxRetries)
	assert.InDelta(t, 0.10, got.RetryPriceStep, 1e-9)
	assert.InDelta(t, 50.0, got.TakeProfitPct, 1e-9)
	assert.InDelta(t, 150.0, got.StopLossPct, 1e-9)

	// Unset durations fall back to built-in defaults.
	defaults := orders.DefaultConfig()
	assert.Equal(t, defaults.OrderTimeout, got.OrderTimeout)
	assert.Equal(t, defaults.CancelWait, got.CancelWait)
}

func TestStrategyConfig_BracketDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Strategy.Symbol = "SPY"
	cfg.Strategy.TargetDelta = 0.15

	got := strategyConfig(cfg)
	assert.Equal(t, "SPY", got.Symbol)
	assert.InDelta(t, 60.0, got.TakeProfitPct, 1e-9)
	assert.InDelta(t, 200.0, got.StopLossPct, 1e-9)
}

func TestRunEntryAttempt_MarketClosed(t *testing.T) {
	sim := broker.NewSimBroker()
	sim.TradingDay = false
	store := storage.NewMockStorage()
	bot := newTestBot(sim, store)

	bot.runEntryAttempt(context.Background())

	assert.Empty(t, sim.Journal, "closed market must place no orders")
	assert.Empty(t, store.GetOpenTrades())
}

func TestRunEntryAttempt_PaperLifecycle(t *testing.T) {
	sim := broker.NewSimBroker()
	sim.FillOnSubmit = true
	store := storage.NewMockStorage()
	scriptMarket(sim)
	bot := newTestBot(sim, store)

	bot.runEntryAttempt(context.Background())
	bot.wg.Wait()

	require.Empty(t, store.GetOpenTrades(), "immediate fills should run the trade to completion")

	history := store.GetHistory()
	require.Len(t, history, 1)
	trade := history[0]
	assert.Equal(t, models.StateClosed, trade.GetCurrentState())
	assert.Equal(t, 430.0, trade.Key.Strike)
	assert.InDelta(t, 2.50, trade.FillPrice, 1e-9)
	assert.NotEmpty(t, trade.OCAGroup)
	assert.Zero(t, sim.LiveCount(), "no orders may be left working")
}

func TestRunEntryAttempt_DuplicateDay(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()
	expiration := scriptMarket(sim)
	bot := newTestBot(sim, store)

	key := models.InstrumentKey{
		Symbol:     "SPY",
		Strike:     430,
		Expiration: expiration,
		Right:      models.RightPut,
	}
	existing := models.NewTrade("open1", key, models.SideSell, 1, 2.50, time.Now())
	require.NoError(t, store.SaveTrade(existing))

	bot.runEntryAttempt(context.Background())
	bot.wg.Wait()

	assert.Empty(t, sim.Journal, "duplicate entry must not touch the broker")
	trades := store.GetOpenTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "open1", trades[0].ID)
}

func TestRunEntryAttempt_CreditTooLow(t *testing.T) {
	sim := broker.NewSimBroker()
	store := storage.NewMockStorage()
	expiration := time.Now().AddDate(0, 0, 90).Format("2006-01-02")
	sim.SetQuote("SPY", broker.Quote{Symbol: "SPY", Last: 510})
	sim.SetOptionChain("SPY", expiration, []broker.Option{
		{OptionType: "put", Strike: 430, Bid: 0.10, Ask: 0.14, Greeks: &broker.Greeks{Delta: -0.15}},
	})
	bot := newTestBot(sim, store)

	bot.runEntryAttempt(context.Background())

	assert.Empty(t, sim.Journal, "rejected proposal must place no orders")
	assert.Empty(t, store.GetOpenTrades())
}
