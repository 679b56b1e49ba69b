package server

import (
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
)

// Amounts, prices, leverage and ratios travel as decimal strings and are
// converted to fixed-point at the edge.

type FundsRequest struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
}

type TraderRequest struct {
	Trader string `json:"trader"`
}

type BalanceReply struct {
	Trader  string `json:"trader"`
	Balance string `json:"balance"`
}

type SetPriceRequest struct {
	Price          string `json:"price"`
	Source         string `json:"source,omitempty"`
	SourceSequence int64  `json:"source_sequence,omitempty"`
}

type SetPriceReply struct {
	Applied bool   `json:"applied"`
	Price   string `json:"price"`
	Version int64  `json:"version"`
}

type Empty struct{}

type PriceReply struct {
	Price     string    `json:"price"` // "0" until the first accepted update
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type OpenPositionRequest struct {
	Trader    string `json:"trader"`
	Margin    string `json:"margin"`
	Direction string `json:"direction"`
	Leverage  string `json:"leverage"`
}

type PositionReply struct {
	PositionID string    `json:"position_id"`
	Trader     string    `json:"trader"`
	Direction  string    `json:"direction"`
	EntryPrice string    `json:"entry_price"`
	Size       string    `json:"size"`
	Leverage   string    `json:"leverage"`
	Margin     string    `json:"margin"`
	OpenedAt   time.Time `json:"opened_at"`
}

type SettlementReply struct {
	PositionID string    `json:"position_id"`
	Trader     string    `json:"trader"`
	Direction  string    `json:"direction"`
	EntryPrice string    `json:"entry_price"`
	ExitPrice  string    `json:"exit_price"`
	Size       string    `json:"size"`
	Margin     string    `json:"margin"`
	PnL        string    `json:"pnl"`
	Returned   string    `json:"returned"`
	Shortfall  string    `json:"shortfall"`
	Liquidated bool      `json:"liquidated"`
	ClosedAt   time.Time `json:"closed_at"`
}

type CheckLiquidationRequest struct {
	Trader string `json:"trader"`
	// MaintenanceMarginRatio is a fraction such as "0.1"; empty uses the
	// ledger's configured ratio.
	MaintenanceMarginRatio string `json:"maintenance_margin_ratio,omitempty"`
}

type LiquidationReply struct {
	Trader     string           `json:"trader"`
	Outcome    string           `json:"outcome"`
	MarkPrice  string           `json:"mark_price"`
	PnL        string           `json:"pnl"`
	Margin     string           `json:"margin"`
	Threshold  string           `json:"threshold"`
	Settlement *SettlementReply `json:"settlement,omitempty"`
}

type HistoryRequest struct {
	Trader string `json:"trader"`
	Limit  int    `json:"limit,omitempty"`
}

type HistoryReply struct {
	Trader      string            `json:"trader"`
	Settlements []SettlementReply `json:"settlements"`
}

type JournalRequest struct {
	Trader         string `json:"trader"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type JournalReply struct {
	Trader  string                      `json:"trader"`
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type EventLogInfoReply struct {
	LedgerSequence    int64  `json:"ledger_sequence"`
	PersistedSequence int64  `json:"persisted_sequence"`
	StateHash         string `json:"state_hash"`
	Uptime            string `json:"uptime"`
}

type SnapshotReply struct {
	Sequence int64 `json:"sequence"`
}

func positionReply(p state.Position) *PositionReply {
	return &PositionReply{
		PositionID: p.PositionID.String(),
		Trader:     p.Trader.String(),
		Direction:  p.Direction.String(),
		EntryPrice: fpmath.FormatPrice(p.EntryPrice),
		Size:       fpmath.FormatQuote(p.Size),
		Leverage:   fpmath.FormatLeverage(p.Leverage),
		Margin:     fpmath.FormatQuote(p.Margin),
		OpenedAt:   p.OpenedAt.UTC(),
	}
}

func settlementReply(s state.Settlement) SettlementReply {
	return SettlementReply{
		PositionID: s.PositionID.String(),
		Trader:     s.Trader.String(),
		Direction:  s.Direction.String(),
		EntryPrice: fpmath.FormatPrice(s.EntryPrice),
		ExitPrice:  fpmath.FormatPrice(s.ExitPrice),
		Size:       fpmath.FormatQuote(s.Size),
		Margin:     fpmath.FormatQuote(s.Margin),
		PnL:        fpmath.FormatQuote(s.PnL),
		Returned:   fpmath.FormatQuote(s.Returned),
		Shortfall:  fpmath.FormatQuote(s.Shortfall),
		Liquidated: s.Liquidated,
		ClosedAt:   s.ClosedAt.UTC(),
	}
}

func liquidationReply(r state.LiquidationResult) *LiquidationReply {
	reply := &LiquidationReply{
		Trader:    r.Trader.String(),
		Outcome:   r.Outcome.String(),
		MarkPrice: fpmath.FormatPrice(r.MarkPrice),
		PnL:       fpmath.FormatQuote(r.PnL),
		Margin:    fpmath.FormatQuote(r.Margin),
		Threshold: fpmath.FormatQuote(r.Threshold),
	}
	if r.Settlement != nil {
		s := settlementReply(*r.Settlement)
		reply.Settlement = &s
	}
	return reply
}

func priceReply(mp state.MarkPriceState) *PriceReply {
	return &PriceReply{
		Price:     fpmath.FormatPrice(mp.Price),
		Version:   mp.Version,
		UpdatedAt: mp.UpdatedAt.UTC(),
	}
}
