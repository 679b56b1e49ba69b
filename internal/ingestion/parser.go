package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// MessageKind selects the wire format and the ledger operation for a subject.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindPriceUpdate
	KindDeposit
	KindWithdrawal
)

func (k MessageKind) String() string {
	switch k {
	case KindPriceUpdate:
		return "PriceUpdate"
	case KindDeposit:
		return "Deposit"
	case KindWithdrawal:
		return "Withdrawal"
	default:
		return "Unknown"
	}
}

// PriceCommand is a parsed oracle price update.
type PriceCommand struct {
	Price     int64 // Fixed-point: price scale
	Source    string
	Sequence  int64 // per-source; 0 disables ordering
	Timestamp time.Time
}

// FundsCommand is a parsed deposit or withdrawal.
type FundsCommand struct {
	RequestID string // empty falls back to the stream sequence
	Trader    state.TraderID
	Amount    int64 // Fixed-point: quote scale
	Timestamp time.Time
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and
// prices are decimal strings.

type priceJSON struct {
	Price       string `json:"price"`
	Source      string `json:"source"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type fundsJSON struct {
	RequestID   string `json:"request_id"`
	Trader      string `json:"trader"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePrice decodes a price feed message.
func ParsePrice(data []byte) (PriceCommand, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceCommand{}, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := fpmath.ParsePrice(j.Price)
	if err != nil {
		return PriceCommand{}, fmt.Errorf("parse price: %w", err)
	}
	if price <= 0 {
		return PriceCommand{}, fmt.Errorf("price %q: %w", j.Price, state.ErrInvalidPrice)
	}
	if j.Sequence < 0 {
		return PriceCommand{}, fmt.Errorf("negative sequence %d", j.Sequence)
	}
	return PriceCommand{
		Price:     price,
		Source:    j.Source,
		Sequence:  j.Sequence,
		Timestamp: microsOrZero(j.TimestampUs),
	}, nil
}

// ParseFunds decodes a deposit or withdrawal message.
func ParseFunds(data []byte) (FundsCommand, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FundsCommand{}, fmt.Errorf("parse funds: %w", err)
	}
	trader, err := state.ParseTraderID(j.Trader)
	if err != nil {
		return FundsCommand{}, err
	}
	amount, err := fpmath.ParseQuote(j.Amount)
	if err != nil {
		return FundsCommand{}, fmt.Errorf("parse amount: %w", err)
	}
	if amount <= 0 {
		return FundsCommand{}, fmt.Errorf("amount %q: %w", j.Amount, state.ErrInvalidAmount)
	}
	return FundsCommand{
		RequestID: j.RequestID,
		Trader:    trader,
		Amount:    amount,
		Timestamp: microsOrZero(j.TimestampUs),
	}, nil
}

func microsOrZero(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}
