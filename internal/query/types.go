package query

import "time"

// AccountBalance is one account's running balance derived from the journal.
type AccountBalance struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// BalanceResponse lists a trader's persisted account balances.
type BalanceResponse struct {
	Trader       string           `json:"trader"`
	Accounts     []AccountBalance `json:"accounts"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	EventType     string    `json:"event_type"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedOwners []UnbalancedOwner `json:"unbalanced_owners,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedOwner is a trader whose accounts do not sum to zero.
type UnbalancedOwner struct {
	Trader    string `json:"trader"`
	Imbalance int64  `json:"imbalance"`
}
