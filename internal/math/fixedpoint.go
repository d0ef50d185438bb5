package math

import (
	"errors"
	"math/big"
	"sort"
	"sync"
)

const (
	// Percent100 is the basis-point denominator (100% = 10000).
	Percent100 int64 = 10_000

	// CollateralRatioDenom is the per-mille denominator used by MCR, MSSR and TCR (175% = 1750).
	CollateralRatioDenom int64 = 1_000
)

var (
	ErrOverflow       = errors.New("fixedpoint: int64 overflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. The caller owns the result.
func MultiplyInt128(a, b int64) *big.Int {
	result := new(big.Int)
	return result.Mul(big.NewInt(a), big.NewInt(b))
}

// DivideInt128 performs numerator / denominator with the given rounding and
// reports ErrOverflow if the quotient does not fit in int64. Only
// non-negative numerators are expected; amounts in the ledger are never negative.
func DivideInt128(numerator *big.Int, denominator *big.Int, mode RoundingMode) (int64, error) {
	if denominator.Sign() == 0 {
		return 0, ErrDivisionByZero
	}

	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denominator, remainder)

	if remainder.Sign() != 0 {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(int64(remainder.Sign()*denominator.Sign())))
		case RoundHalfEven:
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDen := new(big.Int).Abs(denominator)
			cmp := twice.Cmp(absDen)
			putInt128(twice)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(int64(remainder.Sign()*denominator.Sign())))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / c with a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))
	return DivideInt128(num, big.NewInt(c), mode)
}

// MulDivFloor is MulDiv rounding toward zero, for callers that have already
// validated operand ranges.
func MulDivFloor(a, b, c int64) int64 {
	v, err := MulDiv(a, b, c, RoundDown)
	if err != nil {
		panic("fixedpoint: " + err.Error())
	}
	return v
}

// ApplyBasisPoints returns floor(amount * bps / 10000).
func ApplyBasisPoints(amount int64, bps int64) int64 {
	return MulDivFloor(amount, bps, Percent100)
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	s := a + b
	if (s > a) != (b > 0) {
		return 0, ErrOverflow
	}
	return s, nil
}

// CheckedSub returns a - b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	s := a - b
	if (s < a) != (b > 0) {
		return 0, ErrOverflow
	}
	return s, nil
}

// CompareProducts returns the sign of a*b - c*d computed without overflow.
func CompareProducts(a, b, c, d int64) int {
	left := getInt128()
	right := getInt128()
	defer putInt128(left)
	defer putInt128(right)

	left.Mul(big.NewInt(a), big.NewInt(b))
	right.Mul(big.NewInt(c), big.NewInt(d))
	return left.Cmp(right)
}

// Median returns the upper median (sorted[n/2]) of values. The input is not
// modified. Returns false for an empty slice.
func Median(values []int64) (int64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2], true
}

// CompareProducts3 returns the sign of a*b*c - d*e*f computed without overflow.
func CompareProducts3(a, b, c, d, e, f int64) int {
	left := getInt128()
	right := getInt128()
	defer putInt128(left)
	defer putInt128(right)

	left.Mul(big.NewInt(a), big.NewInt(b))
	left.Mul(left, big.NewInt(c))
	right.Mul(big.NewInt(d), big.NewInt(e))
	right.Mul(right, big.NewInt(f))
	return left.Cmp(right)
}

// GCD returns the greatest common divisor of |a| and |b| as a new value.
func GCD(a, b *big.Int) *big.Int {
	x := new(big.Int).Abs(a)
	y := new(big.Int).Abs(b)
	if x.Sign() == 0 {
		return y
	}
	if y.Sign() == 0 {
		return x
	}
	return new(big.Int).GCD(nil, nil, x, y)
}
