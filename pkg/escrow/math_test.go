package escrow

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestBpsOf(t *testing.T) {
	tests := []struct {
		amount int64
		bps    uint16
		want   int64
	}{
		{380_000_000, 2000, 76_000_000},
		{360_000_000, 50, 1_800_000},
		{76_000_000, 2000, 15_200_000},
		{9_999, 1, 0}, // floors
		{10_000, 1, 1},
		{math.MaxInt64, 10000, math.MaxInt64},
		{math.MaxInt64, 0, 0},
	}
	for _, tt := range tests {
		if got := bpsOf(tt.amount, tt.bps); got != tt.want {
			t.Errorf("bpsOf(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestMulAmount(t *testing.T) {
	if got, ok := mulAmount(100, 3_600_000); !ok || got != 360_000_000 {
		t.Errorf("mulAmount(100, 3.6) = %d, %v", got, ok)
	}
	if _, ok := mulAmount(math.MaxInt64, 2); ok {
		t.Error("overflow not reported")
	}
	if _, ok := mulAmount(1<<32, 1<<30); !ok {
		t.Error("2^62 rejected")
	}
	if _, ok := mulAmount(1<<32, 1<<31); ok {
		t.Error("2^63 accepted")
	}
	if _, ok := mulAmount(-1, 1); ok {
		t.Error("negative accepted")
	}
}

func TestMinAcceptablePrice(t *testing.T) {
	tests := []struct {
		floor int64
		disc  uint16
		want  int64
	}{
		{3_500_000, 500, 3_325_000},
		{3_500_000, 0, 3_500_000},
		{3_500_000, 10000, 0},
		{3, 5000, 2}, // 1.5 rounds up
		{math.MaxInt64, 1, math.MaxInt64 - math.MaxInt64/10000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.floor, tt.disc), func(t *testing.T) {
			got := MinAcceptablePrice(tt.floor, tt.disc)
			if got != tt.want {
				t.Fatalf("MinAcceptablePrice = %d, want %d", got, tt.want)
			}
			if !atLeastDiscountedFloor(got, tt.floor, tt.disc) {
				t.Error("minimum does not pass the bound")
			}
			if got > 0 && atLeastDiscountedFloor(got-1, tt.floor, tt.disc) {
				t.Error("one below the minimum passes the bound")
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	wrapped := fmt.Errorf("%w: push 0xabc: %w", ErrTransferFailed, ErrNotParty)
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: 3000000 not in range", ErrPriceOutOfBounds), "PriceOutOfBounds"},
		{ErrUnauthorized, "Unauthorized"},
		{wrapped, "NotParty"},
		{fmt.Errorf("%w: insufficient", ErrTransferFailed), "TransferFailed"},
		{errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
