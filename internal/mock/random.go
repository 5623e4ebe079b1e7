package mock

import (
	"crypto/rand"
	"encoding/binary"
)

// jitter returns a uniform value in [0, 1) for price walks. A failed read
// yields the midpoint so simulated markets stay flat.
func jitter() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// lotSize returns a simulated volume in [base, base+spread).
func lotSize(base, spread int64) int64 {
	if spread <= 0 {
		return base
	}
	return base + int64(jitter()*float64(spread))
}
