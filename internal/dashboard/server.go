// Package dashboard serves a read-only HTTP view of the trade ledger:
// open trades, history, reconciliation findings, and Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	listen    string
	authToken string
	started   time.Time
}

type Config struct {
	Listen    string
	AuthToken string
	// Registry, when set, exposes /metrics in Prometheus format.
	Registry *prometheus.Registry
}

// TradeView is the JSON shape served for a single trade.
type TradeView struct {
	ID              string  `json:"id"`
	Instrument      string  `json:"instrument"`
	State           string  `json:"state"`
	TradingDay      string  `json:"trading_day"`
	Quantity        int     `json:"quantity"`
	LimitPrice      float64 `json:"limit_price"`
	FillPrice       float64 `json:"fill_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	OCAGroup        string  `json:"oca_group,omitempty"`
	Attempts        int     `json:"attempts"`
	CloseReason     string  `json:"close_reason,omitempty"`
	RealizedPnL     float64 `json:"realized_pnl"`
}

func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logger,
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
		started:   time.Now(),
	}

	s.setupRoutes(cfg.Registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Get("/api/trades/{id}", s.handleGetTrade)
	s.router.Get("/api/history", s.handleGetHistory)
	s.router.Get("/api/divergences", s.handleGetDivergences)
	s.router.Get("/api/stats", s.handleGetStats)

	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("listen", s.listen).Info("Starting dashboard server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	open := s.storage.GetOpenTrades()
	views := make([]TradeView, 0, len(open))
	for _, t := range open {
		views = append(views, toView(t))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trade, found := s.storage.GetTrade(id)
	if !found {
		// Closed trades live in the history.
		for _, h := range s.storage.GetHistory() {
			if h.ID == id {
				s.writeJSON(w, toView(&h))
				return
			}
		}
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toView(trade))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history := s.storage.GetHistory()
	views := make([]TradeView, 0, len(history))
	for i := range history {
		views = append(views, toView(&history[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetDivergences(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.GetDivergences(100))
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.GetStatistics())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func toView(t *models.Trade) TradeView {
	return TradeView{
		ID:              t.ID,
		Instrument:      t.Key.String(),
		State:           string(t.State),
		TradingDay:      t.TradingDay,
		Quantity:        t.Quantity,
		LimitPrice:      t.LimitPrice,
		FillPrice:       t.FillPrice,
		TakeProfitPrice: t.TakeProfitPrice,
		StopLossPrice:   t.StopLossPrice,
		OCAGroup:        t.OCAGroup,
		Attempts:        t.Attempts,
		CloseReason:     t.CloseReason,
		RealizedPnL:     t.RealizedPnL(),
	}
}
