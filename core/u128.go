package core

import (
	"fmt"
	"math/big"
)

// maxU128 is 2^128 - 1, the ceiling every aggregate value in this package
// saturates to rather than wrapping.
var maxU128 = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 128)
	return v.Sub(v, big.NewInt(1))
}()

// U128 is an unsigned 128-bit integer backed by math/big, matching the
// receipt and RAV value fields' on-the-wire width. Zero value is zero.
type U128 struct {
	v big.Int
}

// NewU128FromUint64 builds a U128 from a uint64.
func NewU128FromUint64(v uint64) U128 {
	var u U128
	u.v.SetUint64(v)
	return u
}

// NewU128FromBigInt builds a U128 from a *big.Int, clamping negative values
// to zero and out-of-range values to the u128 maximum.
func NewU128FromBigInt(v *big.Int) U128 {
	var u U128
	switch {
	case v == nil || v.Sign() < 0:
		u.v.SetInt64(0)
	case v.Cmp(maxU128) > 0:
		u.v.Set(maxU128)
	default:
		u.v.Set(v)
	}
	return u
}

// Big returns the underlying *big.Int. Callers must not mutate it.
func (u U128) Big() *big.Int {
	return &u.v
}

// String renders the decimal representation, as stored in the NUMERIC
// receipt/RAV columns.
func (u U128) String() string {
	return u.v.String()
}

// IsZero reports whether u is zero.
func (u U128) IsZero() bool {
	return u.v.Sign() == 0
}

// Cmp compares u to other, returning -1, 0 or 1.
func (u U128) Cmp(other U128) int {
	return u.v.Cmp(&other.v)
}

// Float64 converts u to a float64 for metrics export, where precision
// beyond ~2^53 is acceptable.
func (u U128) Float64() float64 {
	f := new(big.Float).SetInt(&u.v)
	v, _ := f.Float64()
	return v
}

// MarshalText renders u's decimal string, so it round-trips through the
// TOML config loader and JSON.
func (u U128) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses a decimal u128 string, as carried in config files
// and wire payloads.
func (u *U128) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 10)
	if !ok {
		return fmt.Errorf("core: invalid u128 decimal %q", string(text))
	}
	*u = NewU128FromBigInt(v)
	return nil
}

// SaturatingAdd returns u+other, clamped to the u128 maximum. ok is false
// when clamping occurred, so callers can log the overflow.
func (u U128) SaturatingAdd(other U128) (result U128, ok bool) {
	sum := new(big.Int).Add(&u.v, &other.v)
	if sum.Cmp(maxU128) > 0 {
		return NewU128FromBigInt(maxU128), false
	}
	return NewU128FromBigInt(sum), true
}

// Sub returns u-other, floored at zero (fee totals never go negative in
// this system; a negative result indicates a bookkeeping bug upstream).
func (u U128) Sub(other U128) U128 {
	diff := new(big.Int).Sub(&u.v, &other.v)
	if diff.Sign() < 0 {
		diff.SetInt64(0)
	}
	return NewU128FromBigInt(diff)
}

// SumU128 adds a slice of U128 values with saturating semantics, reporting
// whether any individual addition saturated.
func SumU128(values ...U128) (sum U128, saturated bool) {
	for _, v := range values {
		var ok bool
		sum, ok = sum.SaturatingAdd(v)
		if !ok {
			saturated = true
		}
	}
	return sum, saturated
}
