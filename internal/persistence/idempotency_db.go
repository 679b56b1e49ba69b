package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"MarginLedger/internal/core"
)

// PostgresIdempotencyChecker is the persisted dedup tier: a request id is a
// duplicate if the event log already holds an event of the operation's type
// under that key.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate implements core.DBIdempotencyChecker.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, op string, idempotencyKey string) (bool, error) {
	et, ok := core.EventTypeForOp(op)
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, et.String(), idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
