// Package storage persists the local trade ledger as JSON on disk.
// The ledger is the execution engine's source of truth across restarts:
// open trades, archived history, and reconciliation findings.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/akramer/wheelhouse/internal/models"
)

// maxDivergenceLog caps the retained reconciliation findings.
const maxDivergenceLog = 500

// JSONStorage is a file-backed trade ledger.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *ledgerData
}

type ledgerData struct {
	Trades      map[string]*models.Trade `json:"trades"`
	History     []models.Trade           `json:"history"`
	Divergences []models.Divergence      `json:"divergences"`
	Statistics  *Statistics              `json:"statistics"`
	LastUpdated time.Time                `json:"last_updated"`
}

// Statistics summarizes archived trades.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	FailedTrades  int     `json:"failed_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// NewJSONStorage creates a ledger backed by the given file, loading existing
// data if the file exists.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data: &ledgerData{
			Trades:     make(map[string]*models.Trade),
			Statistics: &Statistics{},
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

// Load reads the ledger from disk, replacing in-memory state.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	loaded := &ledgerData{}
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}
	if loaded.Trades == nil {
		loaded.Trades = make(map[string]*models.Trade)
	}
	if loaded.Statistics == nil {
		loaded.Statistics = &Statistics{}
	}
	s.data = loaded

	return nil
}

// Save writes the ledger to disk via a temp file and atomic rename.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// SaveTrade upserts a trade and persists the ledger before returning. The
// caller must not issue the next broker-mutating call until this succeeds.
func (s *JSONStorage) SaveTrade(trade *models.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("cannot save trade without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *trade
	s.data.Trades[trade.ID] = &copied
	return s.saveLocked()
}

// GetTrade returns a copy of the trade with the given ID.
func (s *JSONStorage) GetTrade(id string) (*models.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trade, ok := s.data.Trades[id]
	if !ok {
		return nil, false
	}
	copied := *trade
	return &copied, true
}

// GetOpenTrades returns copies of all non-terminal trades.
func (s *JSONStorage) GetOpenTrades() []*models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*models.Trade
	for _, trade := range s.data.Trades {
		if !trade.IsTerminal() {
			copied := *trade
			open = append(open, &copied)
		}
	}
	return open
}

// GetOpenTradeForKey returns the non-terminal trade on an instrument key, or nil.
func (s *JSONStorage) GetOpenTradeForKey(key models.InstrumentKey) *models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if !trade.IsTerminal() && trade.Key == key {
			copied := *trade
			return &copied
		}
	}
	return nil
}

// GetTradeByOrderID returns the trade referencing the given broker order ID
// as parent or exit, or nil.
func (s *JSONStorage) GetTradeByOrderID(orderID int) *models.Trade {
	if orderID == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if trade.ParentOrderID == orderID || trade.TakeProfitOrderID == orderID || trade.StopLossOrderID == orderID {
			copied := *trade
			return &copied
		}
	}
	return nil
}

// HasOpenTradeForDay reports whether a non-terminal trade already exists for
// the instrument key on the given trading day. Used for idempotent initiation.
func (s *JSONStorage) HasOpenTradeForDay(key models.InstrumentKey, day string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, trade := range s.data.Trades {
		if trade.Key == key && trade.TradingDay == day && !trade.IsTerminal() {
			return true
		}
	}
	return false
}

// ArchiveTrade moves a terminal trade from the active set into history and
// folds its result into the statistics.
func (s *JSONStorage) ArchiveTrade(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.data.Trades[id]
	if !ok {
		return fmt.Errorf("archive %s: %w", id, ErrTradeNotFound)
	}
	if !trade.IsTerminal() {
		return fmt.Errorf("archive %s in state %s: %w", id, trade.State, ErrTradeNotTerminal)
	}

	s.data.History = append(s.data.History, *trade)
	s.updateStatistics(trade)
	delete(s.data.Trades, id)

	return s.saveLocked()
}

func (s *JSONStorage) updateStatistics(trade *models.Trade) {
	stats := s.data.Statistics
	stats.TotalTrades++

	if trade.State == models.StateFailed {
		stats.FailedTrades++
		return
	}

	pnl := trade.RealizedPnL()
	stats.TotalPnL += pnl

	if pnl > 0 {
		stats.WinningTrades++
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	closed := stats.WinningTrades + stats.LosingTrades
	if closed > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(closed)
	}

	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}
}

// RecordDivergence appends a reconciliation finding, trimming the oldest
// entries past the retention cap.
func (s *JSONStorage) RecordDivergence(d models.Divergence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	s.data.Divergences = append(s.data.Divergences, d)
	if n := len(s.data.Divergences); n > maxDivergenceLog {
		s.data.Divergences = s.data.Divergences[n-maxDivergenceLog:]
	}
	return s.saveLocked()
}

// GetDivergences returns up to limit most recent findings, newest last.
// A non-positive limit returns everything retained.
func (s *JSONStorage) GetDivergences(limit int) []models.Divergence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.data.Divergences)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Divergence, limit)
	copy(out, s.data.Divergences[n-limit:])
	return out
}

// GetHistory returns a copy of all archived trades.
func (s *JSONStorage) GetHistory() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Trade, len(s.data.History))
	copy(out, s.data.History)
	return out
}

// GetStatistics returns a copy of the aggregate statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := *s.data.Statistics
	return &copied
}
