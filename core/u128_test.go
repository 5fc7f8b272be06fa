package core_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/core"
)

func TestU128FromBigIntClampsNegativeToZero(t *testing.T) {
	u := core.NewU128FromBigInt(big.NewInt(-5))
	require.True(t, u.IsZero())
}

func TestU128FromBigIntClampsOverflowToMax(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), 129)
	u := core.NewU128FromBigInt(over)

	max := new(big.Int).Lsh(big.NewInt(1), 128)
	max.Sub(max, big.NewInt(1))
	require.Equal(t, max.String(), u.String())
}

func TestU128SaturatingAddClampsAtMax(t *testing.T) {
	max := core.NewU128FromBigInt(new(big.Int).Lsh(big.NewInt(1), 128))
	one := core.NewU128FromUint64(1)

	sum, ok := max.SaturatingAdd(one)
	require.False(t, ok)
	require.Equal(t, max.String(), sum.String())
}

func TestU128SaturatingAddWithinRange(t *testing.T) {
	a := core.NewU128FromUint64(10)
	b := core.NewU128FromUint64(32)

	sum, ok := a.SaturatingAdd(b)
	require.True(t, ok)
	require.Equal(t, "42", sum.String())
}

func TestU128SubFloorsAtZero(t *testing.T) {
	a := core.NewU128FromUint64(5)
	b := core.NewU128FromUint64(10)

	require.True(t, a.Sub(b).IsZero())
	require.Equal(t, "5", b.Sub(a).String())
}

func TestU128MarshalUnmarshalRoundTrip(t *testing.T) {
	a := core.NewU128FromUint64(123456789)

	text, err := a.MarshalText()
	require.NoError(t, err)

	var b core.U128
	require.NoError(t, b.UnmarshalText(text))
	require.Equal(t, 0, a.Cmp(b))
}

func TestU128UnmarshalRejectsNonDecimal(t *testing.T) {
	var u core.U128
	require.Error(t, u.UnmarshalText([]byte("not-a-number")))
}

func TestSumU128ReportsSaturation(t *testing.T) {
	max := core.NewU128FromBigInt(new(big.Int).Lsh(big.NewInt(1), 128))
	sum, saturated := core.SumU128(max, core.NewU128FromUint64(1))
	require.True(t, saturated)
	require.Equal(t, max.String(), sum.String())
}

func TestSumU128NoValuesIsZero(t *testing.T) {
	sum, saturated := core.SumU128()
	require.True(t, sum.IsZero())
	require.False(t, saturated)
}
