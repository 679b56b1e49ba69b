package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"
)

// maxScanRows bounds each integrity finding list.
const maxScanRows = 10

// QueryService provides read-only access to the persisted event log and
// journal. All responses carry as_of_sequence, the highest persisted
// sequence, which may trail the in-memory ledger.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every persisted account of a trader with its balance
// derived from the journal.
func (qs *QueryService) GetBalances(ctx context.Context, trader state.TraderID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	keys := []ledger.AccountKey{
		ledger.UserAccount(trader, ledger.SubTypeCollateral),
		ledger.UserAccount(trader, ledger.SubTypeMargin),
		ledger.SystemAccount(trader, ledger.SubTypeSystemPnL),
		ledger.SystemAccount(trader, ledger.SubTypeSystemShortfall),
		ledger.ExternalAccount(trader, ledger.SubTypeExternalDeposits),
		ledger.ExternalAccount(trader, ledger.SubTypeExternalWithdrawals),
	}

	resp := &BalanceResponse{Trader: trader.String(), AsOfSequence: asOfSeq}
	for _, k := range keys {
		bal, err := qs.getAccountBalance(ctx, k.AccountPath())
		if err != nil {
			return nil, err
		}
		resp.Accounts = append(resp.Accounts, AccountBalance{Account: k.AccountPath(), Balance: bal})
	}
	return resp, nil
}

// GetJournalHistory returns a trader's journal entries, newest first.
// beforeSequence pages backwards; nil starts at the head.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader state.TraderID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT j.journal_id, j.batch_id, j.event_ref, j.sequence, e.event_type,
		       j.debit_account, j.credit_account, j.amount, j.journal_type, j.timestamp
		FROM event_log.journal j
		JOIN event_log.events e ON e.sequence = j.sequence
		WHERE e.trader = $1
	`
	args := []interface{}{trader.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND j.sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY j.sequence DESC, j.journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var tsMicros int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.EventType,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &tsMicros,
		); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMicro(tsMicros).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted log: hash chain links, sequence
// continuity and the per-trader zero-sum of journal balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	report.HashChainBreaks, err = qs.scanSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT $1
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.SequenceGaps, err = qs.scanSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events e2 WHERE e2.sequence = e1.sequence - 1)
		ORDER BY e1.sequence
		LIMIT $1
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}

	// The owner is everything after the second ':' of the account path.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT substring(account from '^[^:]+:[^:]+:(.*)$') AS owner, SUM(balance) AS total
		FROM event_log.account_balances
		GROUP BY owner
		HAVING SUM(balance) <> 0
		ORDER BY owner
		LIMIT $1
	`, maxScanRows)
	if err != nil {
		return nil, fmt.Errorf("zero sum: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u UnbalancedOwner
		if err := rows.Scan(&u.Trader, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedOwners = append(report.UnbalancedOwners, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedOwners) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&seq)
	return seq, err
}

func (qs *QueryService) getAccountBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM event_log.account_balances
		WHERE account = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (qs *QueryService) scanSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, maxScanRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}
