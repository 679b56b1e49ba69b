package event

import (
	"encoding/binary"
	"time"

	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// Deposited: collateral credited to a trader's free balance.
type Deposited struct {
	Trader  state.TraderID `json:"trader"`
	Amount  int64          `json:"amount"`  // Fixed-point: quote scale
	Balance int64          `json:"balance"` // Free balance after the deposit
}

func (d *Deposited) EventType() EventType  { return EventTypeDeposited }
func (d *Deposited) Owner() state.TraderID { return d.Trader }
func (d *Deposited) Digest() []byte {
	return appendTrader(le64(nil, d.Amount, d.Balance), d.Trader)
}

// Withdrawn: collateral debited from a trader's free balance.
type Withdrawn struct {
	Trader  state.TraderID `json:"trader"`
	Amount  int64          `json:"amount"`
	Balance int64          `json:"balance"`
}

func (w *Withdrawn) EventType() EventType  { return EventTypeWithdrawn }
func (w *Withdrawn) Owner() state.TraderID { return w.Trader }
func (w *Withdrawn) Digest() []byte {
	return appendTrader(le64(nil, w.Amount, w.Balance), w.Trader)
}

type PositionOpened struct {
	PositionID uuid.UUID      `json:"position_id"`
	Trader     state.TraderID `json:"trader"`
	Direction  string         `json:"direction"`
	EntryPrice int64          `json:"entry_price"` // Fixed-point: price scale
	Size       int64          `json:"size"`
	Leverage   int64          `json:"leverage"` // Fixed-point: leverage scale
	Margin     int64          `json:"margin"`
	OpenedAt   time.Time      `json:"opened_at"`
}

func NewPositionOpened(pos state.Position) *PositionOpened {
	return &PositionOpened{
		PositionID: pos.PositionID,
		Trader:     pos.Trader,
		Direction:  pos.Direction.String(),
		EntryPrice: pos.EntryPrice,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		Margin:     pos.Margin,
		OpenedAt:   pos.OpenedAt,
	}
}

func (p *PositionOpened) EventType() EventType  { return EventTypePositionOpened }
func (p *PositionOpened) Owner() state.TraderID { return p.Trader }
func (p *PositionOpened) Digest() []byte {
	buf := append([]byte(nil), p.PositionID[:]...)
	buf = append(buf, p.Direction...)
	buf = le64(buf, p.EntryPrice, p.Size, p.Leverage, p.Margin)
	return appendTrader(buf, p.Trader)
}

// PositionClosed is a voluntary close.
type PositionClosed struct {
	PositionID uuid.UUID      `json:"position_id"`
	Trader     state.TraderID `json:"trader"`
	Direction  string         `json:"direction"`
	EntryPrice int64          `json:"entry_price"`
	ExitPrice  int64          `json:"exit_price"`
	Size       int64          `json:"size"`
	Margin     int64          `json:"margin"`
	PnL        int64          `json:"pnl"`
	Returned   int64          `json:"returned"`
	Shortfall  int64          `json:"shortfall"`
	ClosedAt   time.Time      `json:"closed_at"`
}

func NewPositionClosed(s state.Settlement) *PositionClosed {
	return &PositionClosed{
		PositionID: s.PositionID,
		Trader:     s.Trader,
		Direction:  s.Direction.String(),
		EntryPrice: s.EntryPrice,
		ExitPrice:  s.ExitPrice,
		Size:       s.Size,
		Margin:     s.Margin,
		PnL:        s.PnL,
		Returned:   s.Returned,
		Shortfall:  s.Shortfall,
		ClosedAt:   s.ClosedAt,
	}
}

func (p *PositionClosed) EventType() EventType  { return EventTypePositionClosed }
func (p *PositionClosed) Owner() state.TraderID { return p.Trader }
func (p *PositionClosed) Digest() []byte {
	buf := append([]byte(nil), p.PositionID[:]...)
	buf = le64(buf, p.ExitPrice, p.PnL, p.Returned, p.Shortfall)
	return appendTrader(buf, p.Trader)
}

// PositionLiquidated is a forced close by the liquidation engine.
type PositionLiquidated struct {
	PositionClosed
	MaintenanceMarginRatio int64 `json:"maintenance_margin_ratio"` // Fixed-point: ratio scale
}

func NewPositionLiquidated(s state.Settlement, ratio int64) *PositionLiquidated {
	return &PositionLiquidated{PositionClosed: *NewPositionClosed(s), MaintenanceMarginRatio: ratio}
}

func (p *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (p *PositionLiquidated) Digest() []byte {
	return le64(p.PositionClosed.Digest(), p.MaintenanceMarginRatio)
}

// PriceUpdated: a new oracle price was accepted.
type PriceUpdated struct {
	Price   int64  `json:"price"` // Fixed-point: price scale
	Version int64  `json:"version"`
	Source  string `json:"source,omitempty"`
}

func (p *PriceUpdated) EventType() EventType  { return EventTypePriceUpdated }
func (p *PriceUpdated) Owner() state.TraderID { return "" }
func (p *PriceUpdated) Digest() []byte        { return le64(nil, p.Price, p.Version) }

func le64(buf []byte, vs ...int64) []byte {
	for _, v := range vs {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	return buf
}

func appendTrader(buf []byte, t state.TraderID) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
	return append(buf, t...)
}
