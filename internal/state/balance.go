// internal/state/balance.go
package state

// UserBalance is one identity's free collateral. Created lazily on first
// deposit and never deleted.
type UserBalance struct {
	Trader          TraderID
	TotalCollateral int64 // Fixed-point: quote scale
}

// CanonicalBytes for deterministic hashing
func (b *UserBalance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+len(b.Trader))

	// trader (length-prefixed)
	buf = append(buf, byte(len(b.Trader)))
	buf = append(buf, b.Trader...)

	// total_collateral (8 bytes LE)
	buf = appendInt64LE(buf, b.TotalCollateral)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
