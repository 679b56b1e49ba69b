package core

import "sync"

// SequenceValidator tracks per-source price sequences from the feed.
// Stale updates are dropped; gaps are tolerated and counted.
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[string]int64 // source -> next expected sequence
	gaps            map[string]int64 // source -> gap count
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
	}
}

// ValidatePriceSequence reports whether an update with priceSequence from
// source is newer than anything seen before, and advances the source.
func (sv *SequenceValidator) ValidatePriceSequence(source string, priceSequence int64) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected := sv.expectedNextSeq[source]

	if priceSequence < expected {
		return false
	}
	if priceSequence > expected && expected != 0 {
		sv.gaps[source]++
	}

	sv.expectedNextSeq[source] = priceSequence + 1
	return true
}

// GetExpectedSequence returns next expected sequence for a source
func (sv *SequenceValidator) GetExpectedSequence(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedNextSeq[source]
}

// GetGaps returns how many gaps were seen from source.
func (sv *SequenceValidator) GetGaps(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.gaps[source]
}

// State returns a copy of all source positions (for snapshots).
func (sv *SequenceValidator) State() map[string]int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Restore replaces all source positions (used during recovery)
func (sv *SequenceValidator) Restore(next map[string]int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	sv.expectedNextSeq = make(map[string]int64, len(next))
	for k, v := range next {
		sv.expectedNextSeq[k] = v
	}
}
