package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads ledger snapshots and reads the event log
// back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.Snapshot.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Balances        map[string]int64   `json:"balances"` // trader -> free collateral
	Positions       []PositionSnapshot `json:"positions"`
	Price           MarkPriceSnap      `json:"price"`
	Accounts        map[string]int64   `json:"accounts"` // AccountPath -> balance
	History         []SettlementSnap   `json:"history"`
	PriceSources    map[string]int64   `json:"price_sources"`    // source -> next expected seq
	IdempotencyKeys []string           `json:"idempotency_keys"` // op:key, oldest first
	CreatedAt       time.Time          `json:"created_at"`
}

// PositionSnapshot is a serializable position slot.
type PositionSnapshot struct {
	PositionID uuid.UUID `json:"position_id"`
	Trader     string    `json:"trader"`
	Direction  string    `json:"direction"`
	EntryPrice int64     `json:"entry_price"`
	Size       int64     `json:"size"`
	Leverage   int64     `json:"leverage"`
	Margin     int64     `json:"margin"`
	Open       bool      `json:"open"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// MarkPriceSnap is a serializable oracle state.
type MarkPriceSnap struct {
	Price     int64     `json:"price"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettlementSnap is a serializable history entry.
type SettlementSnap struct {
	PositionID uuid.UUID `json:"position_id"`
	Trader     string    `json:"trader"`
	Direction  string    `json:"direction"`
	EntryPrice int64     `json:"entry_price"`
	ExitPrice  int64     `json:"exit_price"`
	Size       int64     `json:"size"`
	Margin     int64     `json:"margin"`
	PnL        int64     `json:"pnl"`
	Returned   int64     `json:"returned"`
	Shortfall  int64     `json:"shortfall"`
	Liquidated bool      `json:"liquidated"`
	ClosedAt   time.Time `json:"closed_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromCore converts an in-memory snapshot to its stored form.
func FromCore(s *core.Snapshot) *SnapshotData {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        make(map[string]int64, len(s.Balances)),
		Positions:       make([]PositionSnapshot, 0, len(s.Positions)),
		Price:           MarkPriceSnap{Price: s.Price.Price, Version: s.Price.Version, UpdatedAt: s.Price.UpdatedAt},
		Accounts:        make(map[string]int64, len(s.Accounts)),
		History:         make([]SettlementSnap, 0, len(s.History)),
		PriceSources:    s.PriceSources,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       s.CreatedAt,
	}
	for _, b := range s.Balances {
		d.Balances[b.Trader.String()] = b.TotalCollateral
	}
	for _, p := range s.Positions {
		d.Positions = append(d.Positions, PositionSnapshot{
			PositionID: p.PositionID,
			Trader:     p.Trader.String(),
			Direction:  p.Direction.String(),
			EntryPrice: p.EntryPrice,
			Size:       p.Size,
			Leverage:   p.Leverage,
			Margin:     p.Margin,
			Open:       p.Open,
			OpenedAt:   p.OpenedAt,
			ClosedAt:   p.ClosedAt,
		})
	}
	for k, v := range s.Accounts {
		d.Accounts[k.AccountPath()] = v
	}
	for _, h := range s.History {
		d.History = append(d.History, SettlementSnap{
			PositionID: h.PositionID,
			Trader:     h.Trader.String(),
			Direction:  h.Direction.String(),
			EntryPrice: h.EntryPrice,
			ExitPrice:  h.ExitPrice,
			Size:       h.Size,
			Margin:     h.Margin,
			PnL:        h.PnL,
			Returned:   h.Returned,
			Shortfall:  h.Shortfall,
			Liquidated: h.Liquidated,
			ClosedAt:   h.ClosedAt,
		})
	}
	return d
}

// ToCore converts the stored form back to a snapshot the ledger can restore.
func (d *SnapshotData) ToCore() (*core.Snapshot, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot seq %d: state hash length %d", d.Sequence, len(d.StateHash))
	}
	s := &core.Snapshot{
		Sequence:        d.Sequence,
		Price:           state.MarkPriceState{Price: d.Price.Price, Version: d.Price.Version, UpdatedAt: d.Price.UpdatedAt},
		Accounts:        make(map[ledger.AccountKey]int64, len(d.Accounts)),
		PriceSources:    d.PriceSources,
		IdempotencyKeys: d.IdempotencyKeys,
		CreatedAt:       d.CreatedAt,
	}
	copy(s.StateHash[:], d.StateHash)

	for trader, bal := range d.Balances {
		s.Balances = append(s.Balances, state.UserBalance{Trader: state.TraderID(trader), TotalCollateral: bal})
	}
	for _, p := range d.Positions {
		dir, err := state.ParseDirection(p.Direction)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", p.PositionID, err)
		}
		s.Positions = append(s.Positions, state.Position{
			PositionID: p.PositionID,
			Trader:     state.TraderID(p.Trader),
			EntryPrice: p.EntryPrice,
			Size:       p.Size,
			Leverage:   p.Leverage,
			Margin:     p.Margin,
			Direction:  dir,
			Open:       p.Open,
			OpenedAt:   p.OpenedAt,
			ClosedAt:   p.ClosedAt,
		})
	}
	for path, v := range d.Accounts {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		s.Accounts[key] = v
	}
	for _, h := range d.History {
		dir, err := state.ParseDirection(h.Direction)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", h.PositionID, err)
		}
		s.History = append(s.History, state.Settlement{
			PositionID: h.PositionID,
			Trader:     state.TraderID(h.Trader),
			Direction:  dir,
			EntryPrice: h.EntryPrice,
			ExitPrice:  h.ExitPrice,
			Size:       h.Size,
			Margin:     h.Margin,
			PnL:        h.PnL,
			Returned:   h.Returned,
			Shortfall:  h.Shortfall,
			Liquidated: h.Liquidated,
			ClosedAt:   h.ClosedAt,
		})
	}
	return s, nil
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	formatVersion := int32(1) // v1: JSON-encoded SnapshotData
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil if
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyDurable marks every unverified snapshot whose preceding events are
// all in the event log. It returns the number of snapshots marked.
func (sm *SnapshotManager) VerifyDurable(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE
		WHERE verified = FALSE
		  AND sequence <= (SELECT COALESCE(MAX(sequence), -1) + 1 FROM event_log.events)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, trader, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Trader, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
