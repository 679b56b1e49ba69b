// internal/state/position.go
package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction of a leveraged position
type Direction int32

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "long"/"short" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return DirectionLong, nil
	case "short":
		return DirectionShort, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// SideSign returns +1 for long, -1 for short, 0 otherwise
func (d Direction) SideSign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// SlotState is the lifecycle of an identity's single position slot.
type SlotState int32

const (
	SlotStateNone SlotState = iota
	SlotStateOpen
	SlotStateClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotStateNone:
		return "None"
	case SlotStateOpen:
		return "Open"
	case SlotStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates slot transitions: None→Open→Closed→Open.
func (s SlotState) CanTransitionTo(next SlotState) bool {
	switch s {
	case SlotStateNone, SlotStateClosed:
		return next == SlotStateOpen
	case SlotStateOpen:
		return next == SlotStateClosed
	default:
		return false
	}
}

// Position is an identity's leveraged position. While Open, EntryPrice, Size,
// Leverage, Margin and Direction never change.
type Position struct {
	PositionID uuid.UUID
	Trader     TraderID
	EntryPrice int64 // Fixed-point: price scale
	Size       int64 // Notional, quote scale: Margin × Leverage
	Leverage   int64 // Fixed-point: leverage scale
	Margin     int64 // Locked collateral, quote scale
	Direction  Direction
	Open       bool
	OpenedAt   time.Time
	ClosedAt   time.Time // zero while open
}

// State derives the slot state from the record.
func (p *Position) State() SlotState {
	if p == nil {
		return SlotStateNone
	}
	if p.Open {
		return SlotStateOpen
	}
	return SlotStateClosed
}

// LockedMargin is the collateral backing the position (size / leverage).
func (p *Position) LockedMargin() int64 {
	return p.Margin
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80+len(p.Trader))

	// position_id (16 bytes UUID binary)
	buf = append(buf, p.PositionID[:]...)

	// trader (length-prefixed)
	buf = append(buf, byte(len(p.Trader)))
	buf = append(buf, p.Trader...)

	// direction (1 byte)
	buf = append(buf, byte(p.Direction))

	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.Margin)

	// open (1 byte)
	if p.Open {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

// Settlement is the result of closing a position.
type Settlement struct {
	PositionID uuid.UUID
	Trader     TraderID
	Direction  Direction
	EntryPrice int64
	ExitPrice  int64
	Size       int64
	Margin     int64
	PnL        int64 // signed, quote scale
	Returned   int64 // max(0, Margin + PnL), credited to the vault
	Shortfall  int64 // loss beyond Margin absorbed by the protocol
	Liquidated bool
	ClosedAt   time.Time
}
