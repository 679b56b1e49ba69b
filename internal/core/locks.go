package core

import (
	"sync"

	"MarginLedger/internal/state"
)

const lockStripes = 256

// StripedLocks gives every trader a mutex from a fixed pool. Two traders may
// share a stripe; one trader always maps to the same stripe.
type StripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (s *StripedLocks) For(trader state.TraderID) *sync.Mutex {
	return &s.stripes[trader.Hash()%lockStripes]
}

// LockAll takes every stripe in index order. Used for consistent snapshots.
func (s *StripedLocks) LockAll() {
	for i := range s.stripes {
		s.stripes[i].Lock()
	}
}

func (s *StripedLocks) UnlockAll() {
	for i := len(s.stripes) - 1; i >= 0; i-- {
		s.stripes[i].Unlock()
	}
}
