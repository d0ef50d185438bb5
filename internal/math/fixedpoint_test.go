package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	fpmath "PegLedger/internal/math"
)

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name string
		a, b int64
		c    int64
		mode fpmath.RoundingMode
		want int64
	}{
		{"exact", 2000, 500, 10_000, fpmath.RoundDown, 100},
		{"floor", 1900, 300, 10_000, fpmath.RoundDown, 57},
		{"ceil", 7, 1, 2, fpmath.RoundUp, 4},
		{"ceil exact", 8, 1, 2, fpmath.RoundUp, 4},
		{"half even down", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"above half", 8, 1, 3, fpmath.RoundHalfEven, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.c, tt.mode)
			if err != nil {
				t.Fatalf("MulDiv: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv_LargeIntermediate(t *testing.T) {
	// a*b overflows int64 but the quotient does not
	got, err := fpmath.MulDiv(stdmath.MaxInt64, 1000, 1000, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got != stdmath.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	_, err := fpmath.MulDiv(stdmath.MaxInt64, 2, 1, fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestCheckedAddSub(t *testing.T) {
	if _, err := fpmath.CheckedAdd(stdmath.MaxInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("add: expected overflow, got %v", err)
	}
	if _, err := fpmath.CheckedSub(stdmath.MinInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("sub: expected overflow, got %v", err)
	}
	if v, err := fpmath.CheckedAdd(40, 2); err != nil || v != 42 {
		t.Errorf("add: got %d, %v", v, err)
	}
	if v, err := fpmath.CheckedSub(40, -2); err != nil || v != 42 {
		t.Errorf("sub: got %d, %v", v, err)
	}
}

func TestCompareProducts(t *testing.T) {
	if fpmath.CompareProducts(stdmath.MaxInt64, 3, stdmath.MaxInt64, 2) <= 0 {
		t.Error("expected MaxInt64*3 > MaxInt64*2")
	}
	if fpmath.CompareProducts(6, 4, 8, 3) != 0 {
		t.Error("expected 6*4 == 8*3")
	}
	if fpmath.CompareProducts(1, 2, 1, 3) >= 0 {
		t.Error("expected 1*2 < 1*3")
	}
}

func TestMedian(t *testing.T) {
	if _, ok := fpmath.Median(nil); ok {
		t.Error("median of empty slice should not be ok")
	}

	in := []int64{30, 10, 20, 40}
	got, _ := fpmath.Median(in)
	if got != 30 {
		t.Errorf("even count: got %d, want upper median 30", got)
	}
	if in[0] != 30 {
		t.Error("input slice was reordered")
	}

	got, _ = fpmath.Median([]int64{5, 1, 3})
	if got != 3 {
		t.Errorf("odd count: got %d, want 3", got)
	}
}

func TestApplyBasisPoints(t *testing.T) {
	if got := fpmath.ApplyBasisPoints(2000, 500); got != 100 {
		t.Errorf("5%% of 2000: got %d, want 100", got)
	}
	if got := fpmath.ApplyBasisPoints(1900, 300); got != 57 {
		t.Errorf("3%% of 1900: got %d, want 57", got)
	}
}

func TestCompareProducts3(t *testing.T) {
	// 1750 * 5 * 1000 == 8750 * 1 * 1000
	if fpmath.CompareProducts3(8750, 1, 1000, 1750, 5, 1000) != 0 {
		t.Error("expected equality")
	}
	if fpmath.CompareProducts3(stdmath.MaxInt64, stdmath.MaxInt64, 2, stdmath.MaxInt64, stdmath.MaxInt64, 1) <= 0 {
		t.Error("expected left side larger")
	}
}
