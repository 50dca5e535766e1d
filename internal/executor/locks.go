package executor

import "sync"

// BotLocks serializes all order-mutating work per bot. The executor and the
// monitor share one instance so a DISARM cancel and a fill transition for
// the same bot can never interleave; whichever acquires the lock first wins
// and the loser observes the updated state.
type BotLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBotLocks creates an empty lock registry.
func NewBotLocks() *BotLocks {
	return &BotLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the bot's lock and returns its unlock function.
func (l *BotLocks) Lock(botID string) func() {
	l.mu.Lock()
	m, ok := l.locks[botID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[botID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
