package orders

import (
	"sync"

	"github.com/akramer/wheelhouse/internal/models"
)

// KeyLocker serializes all order-mutating work per instrument key. The
// execution engine and the reconciler share one KeyLocker so that a
// reconciliation pass and a trade attempt never interleave on the same
// instrument.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[models.InstrumentKey]*sync.Mutex
}

// NewKeyLocker creates an empty KeyLocker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[models.InstrumentKey]*sync.Mutex)}
}

// Lock acquires the mutex for the given instrument key, creating it on first use.
func (k *KeyLocker) Lock(key models.InstrumentKey) {
	k.mutexFor(key).Lock()
}

// Unlock releases the mutex for the given instrument key.
func (k *KeyLocker) Unlock(key models.InstrumentKey) {
	k.mutexFor(key).Unlock()
}

func (k *KeyLocker) mutexFor(key models.InstrumentKey) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
