// Package bitmap implements the 128-bit fragment acknowledgement bitset
// shared between the sender's ack bitmap and in-flight bitmap.
package bitmap

import "math/bits"

// MaxFragments is the number of fragment indices (0..127) a Bitmap128 can
// represent, and therefore the hard cap on fragments-per-frame the wire
// format allows.
const MaxFragments = 128

// Bitmap128 is a fixed-width 128 bit set over fragment indices 0..127,
// split into two 64-bit words to match the on-wire ack packet layout
// (high_packets_ack covers 64..127, low_packets_ack covers 0..63).
//
// All operations are pure; callers are responsible for synchronizing
// concurrent access (the sender guards every Bitmap128 it owns with its
// own mutex — see internal/sender).
type Bitmap128 struct {
	FrameNumber uint16
	High        uint64 // bits 64..127
	Low         uint64 // bits 0..63
}

// Reset zeroes both words, leaving FrameNumber untouched.
func (b *Bitmap128) Reset() {
	b.High = 0
	b.Low = 0
}

// SetFlag sets the bit for fragment index i. i must be < MaxFragments;
// behavior for i >= MaxFragments is undefined (caller must guarantee bound,
// enforced upstream by frame submission rejecting oversized frames).
func (b *Bitmap128) SetFlag(i int) {
	if i < 64 {
		b.Low |= 1 << uint(i)
	} else {
		b.High |= 1 << uint(i-64)
	}
}

// UnsetFlag clears the bit for fragment index i and reports whether both
// words are now zero — the "last bit cleared" signal the transmit loop uses
// to know every fragment of a frame has been handed to the network.
func (b *Bitmap128) UnsetFlag(i int) (allClear bool) {
	if i < 64 {
		b.Low &^= 1 << uint(i)
	} else {
		b.High &^= 1 << uint(i-64)
	}
	return b.Low == 0 && b.High == 0
}

// IsSet reports whether the bit for fragment index i is set.
func (b *Bitmap128) IsSet(i int) bool {
	if i < 64 {
		return b.Low&(1<<uint(i)) != 0
	}
	return b.High&(1<<uint(i-64)) != 0
}

// SetFlags merges other into b via bitwise OR, used by the ack loop to fold
// an incoming peer ack packet into the current-frame ack bitmap.
func (b *Bitmap128) SetFlags(other Bitmap128) {
	b.Low |= other.Low
	b.High |= other.High
}

// AllSet reports whether bits 0..n-1 are all set. n must be in [0, 128].
func (b *Bitmap128) AllSet(n int) bool {
	if n <= 0 {
		return true
	}
	if n > MaxFragments {
		n = MaxFragments
	}
	if n <= 64 {
		want := lowMask(n)
		return b.Low&want == want
	}
	if b.Low != lowMask(64) {
		return false
	}
	want := lowMask(n - 64)
	return b.High&want == want
}

// CountSet returns the popcount over the first n bits (0 <= n <= 128), used
// for diagnostics and the efficiency ratio.
func (b *Bitmap128) CountSet(n int) int {
	if n <= 0 {
		return 0
	}
	if n > MaxFragments {
		n = MaxFragments
	}
	if n <= 64 {
		return bits.OnesCount64(b.Low & lowMask(n))
	}
	return bits.OnesCount64(b.Low) + bits.OnesCount64(b.High&lowMask(n-64))
}

// lowMask returns a mask with the lowest n bits set (0 <= n <= 64).
func lowMask(n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}
