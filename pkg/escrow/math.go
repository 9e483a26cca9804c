package escrow

import "math/bits"

// mulAmount multiplies two non-negative amounts, reporting false on int64
// overflow.
func mulAmount(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > 1<<63-1 {
		return 0, false
	}
	return int64(lo), true
}

// bpsOf returns floor(amount * bps / 10000) without overflowing for any
// non-negative int64 amount.
func bpsOf(amount int64, bps uint16) int64 {
	b := int64(bps)
	return (amount/BpsDenominator)*b + (amount%BpsDenominator)*b/BpsDenominator
}

// atLeastDiscountedFloor reports whether
// price*10000 >= floor*(10000-maxDiscountBps), evaluated in 128 bits.
func atLeastDiscountedFloor(price, floor int64, maxDiscountBps uint16) bool {
	lhsHi, lhsLo := bits.Mul64(uint64(price), BpsDenominator)
	rhsHi, rhsLo := bits.Mul64(uint64(floor), uint64(BpsDenominator-int64(maxDiscountBps)))
	if lhsHi != rhsHi {
		return lhsHi > rhsHi
	}
	return lhsLo >= rhsLo
}

// MinAcceptablePrice is the smallest unit price that passes the oracle bound,
// ceil(floor*(10000-maxDiscountBps)/10000).
func MinAcceptablePrice(floor int64, maxDiscountBps uint16) int64 {
	keep := uint16(BpsDenominator - int64(maxDiscountBps))
	p := bpsOf(floor, keep)
	if !atLeastDiscountedFloor(p, floor, maxDiscountBps) {
		p++
	}
	return p
}
