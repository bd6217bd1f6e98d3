package storage

import (
	"github.com/akramer/wheelhouse/internal/models"
)

// Interface defines the contract for trade ledger persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent readers
// and writers.
type Interface interface {
	// Trade management. SaveTrade upserts and persists immediately: the
	// engine writes every state transition through it before the next
	// broker-mutating call.
	SaveTrade(trade *models.Trade) error
	GetTrade(id string) (*models.Trade, bool)
	GetOpenTrades() []*models.Trade
	GetOpenTradeForKey(key models.InstrumentKey) *models.Trade
	GetTradeByOrderID(orderID int) *models.Trade
	HasOpenTradeForDay(key models.InstrumentKey, day string) bool
	ArchiveTrade(id string) error

	// Reconciliation findings
	RecordDivergence(d models.Divergence) error
	GetDivergences(limit int) []models.Divergence

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.Trade
	GetStatistics() *Statistics
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
