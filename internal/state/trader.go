package state

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// MaxTraderIDLength bounds identities handed to us by the host environment.
const MaxTraderIDLength = 128

// TraderID is an opaque caller identity. It is only ever used as a map key
// and never interpreted.
type TraderID string

// ParseTraderID validates an untrusted identity string.
func ParseTraderID(s string) (TraderID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTrader)
	}
	if len(s) > MaxTraderIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidTrader, MaxTraderIDLength)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidTrader)
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidTrader)
		}
	}
	return TraderID(s), nil
}

// Hash returns a stable 64-bit hash of the identity.
func (t TraderID) Hash() uint64 {
	return xxhash.Sum64String(string(t))
}

func (t TraderID) String() string {
	return string(t)
}
