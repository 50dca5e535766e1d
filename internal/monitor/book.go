// Package monitor reconciles persisted order states against the exchange:
// it promotes filled entries, restores lost protective legs, settles closed
// positions and sweeps orphaned orders.
package monitor

import (
	"sync"

	"perptrader/internal/model"
)

// PositionBook tracks open positions in memory, keyed by order-state id.
// Only the monitor's reconcile loop mutates it; readers (metrics, status
// endpoints) take snapshots.
type PositionBook struct {
	mu   sync.RWMutex
	open map[string]model.Position
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{open: make(map[string]model.Position)}
}

// Open records a position for a state, replacing any previous record.
func (b *PositionBook) Open(stateID string, p model.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[stateID] = p
}

// Close removes a state's position, if present.
func (b *PositionBook) Close(stateID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, stateID)
}

// Get returns the position for a state.
func (b *PositionBook) Get(stateID string) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.open[stateID]
	return p, ok
}

// Len returns the number of open positions.
func (b *PositionBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.open)
}

// Snapshot copies all open positions for read-only consumers.
func (b *PositionBook) Snapshot() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, p)
	}
	return out
}
