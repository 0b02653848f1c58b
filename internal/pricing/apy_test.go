package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnualizedYieldZeroRate(t *testing.T) {
	apy, err := AnnualizedYield(0, 86_400)
	require.NoError(t, err)
	require.Zero(t, apy)
}

func TestAnnualizedYieldRejectsBadStep(t *testing.T) {
	_, err := AnnualizedYield(36_500, 0)
	require.ErrorIs(t, err, ErrInvalidStepLength)
	_, err = AnnualizedYield(36_500, -1)
	require.ErrorIs(t, err, ErrInvalidStepLength)
}

func TestAnnualizedYieldDailyCompounding(t *testing.T) {
	// 3.65% simple annual rate compounded daily: (1 + 0.0001)^365 - 1,
	// which is 3.71724%.
	apy, err := AnnualizedYield(36_500, 86_400)
	require.NoError(t, err)
	require.InDelta(t, 37_172, apy, 2)

	// Compounding always reports at least the simple rate.
	require.GreaterOrEqual(t, apy, uint64(36_500))
}

func TestAnnualizedYieldMonotoneInRate(t *testing.T) {
	previous := uint64(0)
	for _, rate := range []uint64{10_000, 50_000, 100_000, 500_000, 1_000_000} {
		apy, err := AnnualizedYield(rate, 86_400)
		require.NoError(t, err)
		require.Greater(t, apy, previous)
		previous = apy
	}
}

func TestAnnualizedYieldClamp(t *testing.T) {
	apy, err := AnnualizedYield(1_000_000_000_000, 1)
	require.NoError(t, err)
	require.Equal(t, MaxReportedYield, apy)
}

func TestLnExpRoundTrip(t *testing.T) {
	for _, x := range []int64{
		apyInternalScale,
		apyInternalScale + 1_000,
		apyInternalScale * 3 / 2,
		apyInternalScale * 2,
		apyInternalScale * 10,
		apyInternalScale * 1000,
	} {
		input := big.NewInt(x)
		logged, err := lnFixed(input)
		require.NoError(t, err)

		back, err := expFixed(logged)
		require.NoError(t, err)

		// Relative error bounded at 1e-9.
		diff := new(big.Int).Sub(back, input)
		diff.Abs(diff)
		diff.Mul(diff, big.NewInt(1_000_000_000))
		require.True(t, diff.Cmp(new(big.Int).Mul(input, big.NewInt(2))) <= 0,
			"round trip of %d drifted to %s", x, back)
	}
}

func TestLnFixedKnownValues(t *testing.T) {
	// ln(1) == 0.
	zero, err := lnFixed(big.NewInt(apyInternalScale))
	require.NoError(t, err)
	require.Zero(t, zero.Sign())

	// ln(2) at 1e12 scale.
	two, err := lnFixed(big.NewInt(2 * apyInternalScale))
	require.NoError(t, err)
	require.InDelta(t, 693_147_180_560, float64(two.Int64()), 5)

	// ln(e) is 1: feed exp(1) back through ln.
	e, err := expFixed(big.NewInt(apyInternalScale))
	require.NoError(t, err)
	one, err := lnFixed(e)
	require.NoError(t, err)
	require.InDelta(t, float64(apyInternalScale), float64(one.Int64()), 50)

	_, err = lnFixed(big.NewInt(0))
	require.Error(t, err)
	_, err = lnFixed(big.NewInt(-5))
	require.Error(t, err)
}
