package storage

import (
	"fmt"
	"sync"

	"github.com/akramer/wheelhouse/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	mu            sync.Mutex
	saveError     error
	trades        map[string]*models.Trade
	history       []models.Trade
	divergences   []models.Divergence
	statistics    *Statistics
	saveCallCount int
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		trades:     make(map[string]*models.Trade),
		statistics: &Statistics{},
	}
}

// SetSaveError makes every persisting call fail with the given error
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SaveCallCount returns how many times a persisting call ran
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) SaveTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("cannot save trade without id")
	}
	copied := *trade
	m.trades[trade.ID] = &copied
	return nil
}

func (m *MockStorage) GetTrade(id string) (*models.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade, ok := m.trades[id]
	if !ok {
		return nil, false
	}
	copied := *trade
	return &copied, true
}

func (m *MockStorage) GetOpenTrades() []*models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []*models.Trade
	for _, trade := range m.trades {
		if !trade.IsTerminal() {
			copied := *trade
			open = append(open, &copied)
		}
	}
	return open
}

func (m *MockStorage) GetOpenTradeForKey(key models.InstrumentKey) *models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, trade := range m.trades {
		if !trade.IsTerminal() && trade.Key == key {
			copied := *trade
			return &copied
		}
	}
	return nil
}

func (m *MockStorage) GetTradeByOrderID(orderID int) *models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orderID == 0 {
		return nil
	}
	for _, trade := range m.trades {
		if trade.ParentOrderID == orderID || trade.TakeProfitOrderID == orderID || trade.StopLossOrderID == orderID {
			copied := *trade
			return &copied
		}
	}
	return nil
}

func (m *MockStorage) HasOpenTradeForDay(key models.InstrumentKey, day string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, trade := range m.trades {
		if trade.Key == key && trade.TradingDay == day && !trade.IsTerminal() {
			return true
		}
	}
	return false
}

func (m *MockStorage) ArchiveTrade(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	trade, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("archive %s: %w", id, ErrTradeNotFound)
	}
	if !trade.IsTerminal() {
		return fmt.Errorf("archive %s in state %s: %w", id, trade.State, ErrTradeNotTerminal)
	}
	m.history = append(m.history, *trade)
	delete(m.trades, id)
	return nil
}

func (m *MockStorage) RecordDivergence(d models.Divergence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	m.divergences = append(m.divergences, d)
	return nil
}

func (m *MockStorage) GetDivergences(limit int) []models.Divergence {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.divergences)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Divergence, limit)
	copy(out, m.divergences[n-limit:])
	return out
}

func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	return nil
}

func (m *MockStorage) GetHistory() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Trade, len(m.history))
	copy(out, m.history)
	return out
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *m.statistics
	return &copied
}
