package state

import "sync"

// PositionHistory is an append-only log of settled positions. It sits beside
// the reusable slot; the slot itself keeps no history.
type PositionHistory struct {
	mu      sync.RWMutex
	entries []Settlement
	byUser  map[TraderID][]int
}

func NewPositionHistory() *PositionHistory {
	return &PositionHistory{byUser: make(map[TraderID][]int)}
}

func (h *PositionHistory) Append(s Settlement) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.byUser[s.Trader] = append(h.byUser[s.Trader], len(h.entries))
	h.entries = append(h.entries, s)
}

// ForTrader returns trader's settlements oldest first. limit <= 0 means all;
// otherwise the most recent limit entries are returned.
func (h *PositionHistory) ForTrader(trader TraderID, limit int) []Settlement {
	h.mu.RLock()
	defer h.mu.RUnlock()

	idx := h.byUser[trader]
	if limit > 0 && len(idx) > limit {
		idx = idx[len(idx)-limit:]
	}
	out := make([]Settlement, len(idx))
	for i, j := range idx {
		out[i] = h.entries[j]
	}
	return out
}

// All returns every settlement in append order (for snapshots).
func (h *PositionHistory) All() []Settlement {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Settlement(nil), h.entries...)
}

func (h *PositionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
