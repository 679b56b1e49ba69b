package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"

	"github.com/lib/pq"
)

// EventLogWriter writes events and journals to Postgres inside a caller's
// transaction. Events use a multi-row INSERT so re-delivery is a no-op;
// journals use the COPY protocol.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Trader         string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

var journalColumns = []string{
	"journal_id", "batch_id", "event_ref", "sequence",
	"debit_account", "credit_account", "amount", "journal_type", "timestamp",
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an envelope for storage.
func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Trader:         env.Trader.String(),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp.UTC(),
	}
}

// Envelope rebuilds the envelope a row was written from.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("event seq %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event seq %d: hash length %d/%d", r.Sequence, len(r.StateHash), len(r.PrevHash))
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Trader:         state.TraderID(r.Trader),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// JournalRowsFromBatch flattens a batch; nil yields no rows.
func JournalRowsFromBatch(b *ledger.Batch) []JournalRow {
	if b == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// rowsFromOutput converts one core output into storage rows.
func rowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	return EventRowFromEnvelope(out.Envelope), JournalRowsFromBatch(out.Batch)
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, trader, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Trader,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, // jsonb takes text
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch streams journal rows into event_log.journal with COPY.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("event_log", "journal", journalColumns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		); err != nil {
			return fmt.Errorf("copy journal %s: %w", j.JournalID, err)
		}
	}

	// Flush buffered rows.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("copy flush: %w", err)
	}
	return nil
}
