// Package mark implements the modular sequence-mark ring used by the
// console streaming reassembler to identify byte chunks in an unreliable,
// possibly out-of-order transport.
//
// Marks are drawn from {0, 1, ..., 0xFFFFFFFE, 0xFFFFFFFF} but 0 and
// 0xFFFFFFFF are absorbing sentinels outside the ring proper: 0 means
// "nothing received yet", 0xFFFFFFFF means "now" (an open upper bound).
// The usable ring is {1, ..., 0xFFFFFFFE} with modulus M = 0xFFFFFFFE.
package mark

// Mark is a 32-bit position on the console stream's sequence ring.
type Mark uint32

const (
	// Never is the "nothing received yet" sentinel.
	Never Mark = 0

	// Now is the "now / infinity" sentinel, used as an open-ended upper
	// bound in retransmission requests.
	Now Mark = 0xFFFFFFFF

	// modulus is the size of the usable ring {1, ..., 0xFFFFFFFE}.
	modulus uint32 = 0xFFFFFFFE
)

// IsSentinel reports whether m is one of the two absorbing sentinels.
func (m Mark) IsSentinel() bool {
	return m == Never || m == Now
}

// InRange reports whether mark lies in the modular closed interval
// [start, end] on the ring {1, ..., 0xFFFFFFFE}.
//
// If start <= end (non-wrapping), this is a plain closed-interval test,
// and the sentinels are allowed to serve as boundaries (but a sentinel
// mark itself is never "in range" unless it equals a boundary exactly,
// which can only happen if the caller passed a sentinel as start or end).
//
// If start > end (wrapping), the interval wraps around through the top of
// the ring; the sentinels never lie inside a wrapping range.
func InRange(start, end, m Mark) bool {
	if start <= end {
		return m >= start && m <= end
	}

	if m == Never || m == Now {
		return false
	}
	return m >= start || m <= end
}

// Add returns mark shifted by displacement d, treating the two sentinels
// as fixed points. On the ring {1, ..., M}, d is first reduced to a
// canonical positive shift b in {1, ..., M}: for d >= 0, b = (d mod M) + 1;
// for d < 0, b is the additive inverse of the shift for -d. The result is
// then ((mark + b - 2) mod M) + 1.
func Add(m Mark, d int) Mark {
	if m == Never || m == Now {
		return m
	}

	M := int64(modulus)

	var b int64
	if d >= 0 {
		b = int64(d)%M + 1
	} else {
		inv := (int64(-d)) % M
		inv++
		if inv == 1 {
			b = 1
		} else {
			b = 2 + (M - inv)
		}
	}

	res := (int64(m)+b-2)%M + 1
	return Mark(res)
}
