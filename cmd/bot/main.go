package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/config"
	"github.com/akramer/wheelhouse/internal/dashboard"
	"github.com/akramer/wheelhouse/internal/metrics"
	"github.com/akramer/wheelhouse/internal/orders"
	"github.com/akramer/wheelhouse/internal/storage"
	"github.com/akramer/wheelhouse/internal/strategy"
)

// Bot wires the execution engine, strategy, reconciler, and dashboard
// around one broker connection.
type Bot struct {
	config     *config.Config
	broker     broker.Broker
	engine     *orders.Engine
	seller     *strategy.PutSeller
	reconciler *Reconciler
	storage    storage.Interface
	logger     *log.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Secrets come from the environment; .env is a convenience for dev.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[WHEELHOUSE] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting put-selling engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - orders go to the in-memory simulator")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open trade ledger: %v", err)
	}

	var brk broker.Broker
	if cfg.IsPaperTrading() {
		sim := broker.NewSimBroker()
		sim.FillOnSubmit = true
		brk = sim
	} else {
		gateway := broker.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.AuthToken, cfg.Gateway.AccountID)
		brk = broker.NewCircuitBreakerBroker(gateway)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	locks := orders.NewKeyLocker()
	stop := make(chan struct{})

	bot := &Bot{
		config:  cfg,
		broker:  brk,
		storage: store,
		logger:  logger,
		stop:    stop,
	}

	bot.engine = orders.NewEngine(brk, store, locks, logger, stop, engineConfig(cfg)).WithMetrics(m)
	bot.seller = strategy.NewPutSeller(brk, logger, strategyConfig(cfg))

	bot.reconciler = NewReconciler(brk, store, locks, logger, m,
		cfg.Strategy.Symbol, cfg.Reconcile.PriceTolerance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bot.reconciler.SetResume(func(tradeID string) {
		if err := bot.engine.ResumeTrade(ctx, tradeID, bot.spawn); err != nil {
			logger.Printf("Failed to resume trade %s: %v", tradeID, err)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		close(stop)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bot.Run(gctx)
	})

	g.Go(func() error {
		interval := config.Duration(cfg.Reconcile.Interval, 5*time.Minute)
		bot.reconciler.Run(gctx, interval)
		return nil
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(level)
		}
		dash := dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
			Registry:  registry,
		}, store, dashLogger)

		g.Go(func() error {
			errc := make(chan error, 1)
			go func() { errc <- dash.Start() }()
			select {
			case err := <-errc:
				return err
			case <-gctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				return dash.Shutdown(shutdownCtx)
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine error: %v", err)
	}

	// Working orders stay at the broker on shutdown; Resume picks the
	// trades back up on the next start.
	bot.wg.Wait()
	logger.Println("Engine stopped")
}

// engineConfig maps the config file onto engine settings, falling back
// to the built-in defaults for anything unset.
func engineConfig(cfg *config.Config) orders.Config {
	defaults := orders.DefaultConfig()
	return orders.Config{
		PollInterval:   config.Duration(cfg.Engine.PollInterval, defaults.PollInterval),
		OrderTimeout:   config.Duration(cfg.Engine.OrderTimeout, defaults.OrderTimeout),
		CancelWait:     config.Duration(cfg.Engine.CancelWait, defaults.CancelWait),
		CallTimeout:    config.Duration(cfg.Engine.CallTimeout, defaults.CallTimeout),
		ExitVerifyWait: config.Duration(cfg.Engine.ExitVerifyWait, defaults.ExitVerifyWait),
		MaxRetries:     cfg.Engine.MaxRetries,
		RetryPriceStep: cfg.Engine.RetryPriceStep,
		TakeProfitPct:  cfg.TakeProfitPct(),
		StopLossPct:    cfg.StopLossPct(),
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	return strategy.Config{
		Symbol:        cfg.Strategy.Symbol,
		TargetDelta:   cfg.Strategy.TargetDelta,
		TargetDTE:     cfg.Strategy.TargetDTE,
		MinDTE:        cfg.Strategy.MinDTE,
		MaxDTE:        cfg.Strategy.MaxDTE,
		Quantity:      cfg.Strategy.Quantity,
		MinCredit:     cfg.Strategy.MinCredit,
		TakeProfitPct: cfg.TakeProfitPct(),
		StopLossPct:   cfg.StopLossPct(),
	}
}

// spawn runs fn on a tracked goroutine so shutdown can wait for
// in-flight monitors to release.
func (b *Bot) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Run re-attaches to any in-flight trades and then fires one entry
// attempt at each scheduled entry time.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.engine.Resume(ctx, b.spawn); err != nil {
		return err
	}

	for {
		next := b.config.NextEntryTime(time.Now())
		b.logger.Printf("Next entry attempt at %s", next.Format(time.RFC1123))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-b.stop:
			timer.Stop()
			return nil
		case <-timer.C:
			b.runEntryAttempt(ctx)
		}
	}
}

// runEntryAttempt executes one full entry: market gate, contract
// selection, then the bracket lifecycle. Re-invoking on the same
// trading day is a no-op in the engine.
func (b *Bot) runEntryAttempt(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	open, err := b.broker.IsTradingDay(callCtx)
	cancel()
	if err != nil {
		b.logger.Printf("Trading-day check failed, skipping entry: %v", err)
		return
	}
	if !open {
		b.logger.Println("Market closed today, skipping entry")
		return
	}

	proposal, err := b.seller.SelectContract(ctx, time.Now())
	if err != nil {
		b.logger.Printf("No contract selected: %v", err)
		return
	}

	if b.storage.HasOpenTradeForDay(proposal.Key, time.Now().Format("2006-01-02")) {
		b.logger.Printf("Trade already working %s today, nothing to do", proposal.Key)
		return
	}

	trade, err := b.engine.InitiateTrade(ctx, orders.TradeRequest{
		Key:        proposal.Key,
		Quantity:   proposal.Quantity,
		LimitPrice: proposal.LimitPrice,
	})
	switch {
	case errors.Is(err, orders.ErrDuplicateTrade):
		b.logger.Printf("Trade already open for %s, nothing to do", proposal.Key)
	case err != nil:
		b.logger.Printf("Entry failed: %v", err)
	default:
		b.spawn(func() {
			if err := b.engine.MonitorExits(ctx, trade.ID); err != nil {
				b.logger.Printf("Exit monitor for %s ended: %v", trade.ID, err)
			}
		})
	}
}
