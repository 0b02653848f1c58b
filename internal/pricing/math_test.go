package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateFeesDecomposition(t *testing.T) {
	cases := []struct {
		name   string
		amount uint64
		bps    uint16
		fee    uint64
	}{
		{"zero bps", 1_000_000, 0, 0},
		{"one bps", 1_000_000, 1, 100},
		{"fifty bps", 1_000_000, 50, 5_000},
		{"full bps", 1_000_000, 10_000, 1_000_000},
		{"truncates", 999, 25, 2},
		{"zero amount", 0, 500, 0},
		{"max amount", ^uint64(0), 10_000, ^uint64(0)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fee, remaining, err := CalculateFees(tc.amount, tc.bps)
			require.NoError(t, err)
			require.Equal(t, tc.fee, fee)
			require.Equal(t, tc.amount, fee+remaining, "fee + remaining must reconstruct amount")
		})
	}
}

func TestCalculateTokenOutAmount(t *testing.T) {
	// 1.0 of a 6-decimal token at price 1.0 buys 1.0 of a 9-decimal token.
	out, err := CalculateTokenOutAmount(1_000_000, 1_000_000_000, 6, 9)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), out)

	// Doubling the price halves the output.
	out, err = CalculateTokenOutAmount(1_000_000, 2_000_000_000, 6, 9)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000_000), out)

	// Same-decimal mints at price 1.0 are identity.
	out, err = CalculateTokenOutAmount(123_456_789, 1_000_000_000, 6, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(123_456_789), out)

	_, err = CalculateTokenOutAmount(1, 0, 6, 6)
	require.ErrorIs(t, err, ErrZeroPrice)

	// 10^19-scale result exceeds u64.
	_, err = CalculateTokenOutAmount(^uint64(0), 1, 0, 9)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestCalculateRedemptionOutAmount(t *testing.T) {
	// 9.0 of a 9-decimal token at price 1.0 redeems into 9.0 of a 6-decimal token.
	out, err := CalculateRedemptionOutAmount(9_000_000_000, 1_000_000_000, 9, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(9_000_000), out)

	// Price acts as a direct multiplier on the redemption side.
	out, err = CalculateRedemptionOutAmount(1_000_000, 1_500_000_000, 6, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(1_500_000), out)

	_, err = CalculateRedemptionOutAmount(1, 0, 6, 6)
	require.ErrorIs(t, err, ErrZeroPrice)
}

func TestForwardAndRedemptionAreAsymmetric(t *testing.T) {
	// At price 2.0 the forward conversion divides and the redemption
	// conversion multiplies.
	forward, err := CalculateTokenOutAmount(1_000_000, 2_000_000_000, 6, 6)
	require.NoError(t, err)
	redeem, err := CalculateRedemptionOutAmount(1_000_000, 2_000_000_000, 6, 6)
	require.NoError(t, err)

	require.Equal(t, uint64(500_000), forward)
	require.Equal(t, uint64(2_000_000), redeem)
}

func TestCalculateVectorPriceLinearGrowth(t *testing.T) {
	// One full year at growth 1_000_000 adds exactly 100% of base.
	price, err := CalculateVectorPrice(1_000_000, 1_000_000_000, SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000_000), price)

	// Zero elapsed returns base price untouched.
	price, err = CalculateVectorPrice(123, 777, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(777), price)

	_, err = CalculateVectorPrice(1, 1, -1)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestCalculateStepPriceAtScenarioA(t *testing.T) {
	const (
		basePrice  = uint64(1_000_000_000)
		growthRate = uint64(36_500)
		stepLength = int64(86_400)
		baseTime   = int64(1_700_000_000)
	)

	// At baseTime the price already reflects one full step of growth.
	price, err := CalculateStepPriceAt(growthRate, basePrice, baseTime, stepLength, baseTime)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_100_000), price)

	// Constant within the step.
	price, err = CalculateStepPriceAt(growthRate, basePrice, baseTime, stepLength, baseTime+stepLength-1)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_100_000), price)

	// Snaps at the boundary.
	price, err = CalculateStepPriceAt(growthRate, basePrice, baseTime, stepLength, baseTime+stepLength)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_200_000), price)

	_, err = CalculateStepPriceAt(growthRate, basePrice, baseTime, stepLength, baseTime-1)
	require.ErrorIs(t, err, ErrNoActiveVector)

	_, err = CalculateStepPriceAt(growthRate, basePrice, baseTime, 0, baseTime)
	require.ErrorIs(t, err, ErrInvalidStepLength)
}

func TestStepPriceMonotonicity(t *testing.T) {
	const (
		basePrice  = uint64(2_500_000_000)
		growthRate = uint64(500_000)
		stepLength = int64(3_600)
		baseTime   = int64(1_000_000)
	)

	previous := uint64(0)
	for offset := int64(0); offset <= 90*stepLength; offset += stepLength / 4 {
		price, err := CalculateStepPriceAt(growthRate, basePrice, baseTime, stepLength, baseTime+offset)
		require.NoError(t, err)
		require.GreaterOrEqual(t, price, previous, "price must never decrease over time at offset %d", offset)
		previous = price
	}
}

func TestZeroGrowthPriceInvariance(t *testing.T) {
	const basePrice = uint64(3_141_592_653)

	for _, offset := range []int64{0, 1, 59, 86_400, SecondsPerYear, 10 * SecondsPerYear} {
		price, err := CalculateStepPriceAt(0, basePrice, 0, 60, offset)
		require.NoError(t, err)
		require.Equal(t, basePrice, price, "zero growth must pin the price to base at offset %d", offset)
	}
}
