package ledger

import (
	"fmt"
	"strings"

	"MarginLedger/internal/state"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeMargin

	// System sub-types
	SubTypeSystemPnL
	SubTypeSystemShortfall

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:          "collateral",
	SubTypeMargin:              "margin",
	SubTypeSystemPnL:           "pnl",
	SubTypeSystemShortfall:     "shortfall",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
}

func (t AccountSubType) String() string {
	if name, ok := subTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// AccountKey is the in-memory key for balance tracking. Every account,
// system and external ones included, is owned by a single trader so each
// trader's books balance on their own.
type AccountKey struct {
	Scope   AccountScope
	Owner   state.TraderID
	SubType AccountSubType
}

func UserAccount(trader state.TraderID, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: trader, SubType: subType}
}

func SystemAccount(trader state.TraderID, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Owner: trader, SubType: subType}
}

func ExternalAccount(trader state.TraderID, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Owner: trader, SubType: subType}
}

// AccountPath returns the string representation for storage/logging:
// scope:subtype:owner. The owner goes last since it may contain ':'.
func (k AccountKey) AccountPath() string {
	return k.Scope.String() + ":" + k.SubType.String() + ":" + string(k.Owner)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "user":
		key.Scope = AccountScopeUser
	case "system":
		key.Scope = AccountScopeSystem
	case "external":
		key.Scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
	}

	found := false
	for st, name := range subTypeNames {
		if name == parts[1] {
			key.SubType = st
			found = true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}

	key.Owner = state.TraderID(parts[2])
	return key, nil
}
