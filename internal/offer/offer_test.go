package offer

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

const testNow = int64(1_700_000_000)

func flatOffer(t *testing.T, feeBps uint16) *Offer {
	t.Helper()
	o := &Offer{
		TokenInMint:  solana.NewWallet().PublicKey(),
		TokenOutMint: solana.NewWallet().PublicKey(),
		FeeBps:       feeBps,
	}
	require.NoError(t, o.AddVector(pricing.Vector{
		StartTime:    testNow - 100,
		BaseTime:     testNow - 100,
		BasePrice:    1_000_000_000,
		GrowthRate:   0,
		StepDuration: 86_400,
	}, testNow-100))
	return o
}

func TestTakeAtParPriceNoFee(t *testing.T) {
	o := flatOffer(t, 0)

	quote, err := o.Take(1_000_000, 6, 9, testNow)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), quote.Price)
	require.Zero(t, quote.Fee)
	require.Equal(t, uint64(1_000_000), quote.TokenInNet)
	require.Equal(t, uint64(1_000_000_000), quote.TokenOutAmount)
}

func TestTakeAppliesFeeBeforeConversion(t *testing.T) {
	o := flatOffer(t, 250) // 2.5%

	quote, err := o.Take(1_000_000, 6, 6, testNow)
	require.NoError(t, err)
	require.Equal(t, uint64(25_000), quote.Fee)
	require.Equal(t, uint64(975_000), quote.TokenInNet)
	require.Equal(t, quote.Fee+quote.TokenInNet, uint64(1_000_000))
	// Conversion runs on the net amount.
	require.Equal(t, uint64(975_000), quote.TokenOutAmount)
}

func TestTakeFailsWithoutActiveVector(t *testing.T) {
	o := &Offer{}
	_, err := o.Take(1, 6, 6, testNow)
	require.ErrorIs(t, err, pricing.ErrNoActiveVector)

	require.NoError(t, o.AddVector(pricing.Vector{
		StartTime:    testNow + 1_000,
		BaseTime:     testNow + 1_000,
		BasePrice:    1_000_000_000,
		StepDuration: 60,
	}, testNow))
	_, err = o.Take(1, 6, 6, testNow)
	require.ErrorIs(t, err, pricing.ErrNoActiveVector)
}

func TestTakeRejectsZeroAmount(t *testing.T) {
	o := flatOffer(t, 0)
	_, err := o.Take(0, 6, 6, testNow)
	require.ErrorIs(t, err, ErrZeroAmount)
}

func TestTakeStepPricing(t *testing.T) {
	o := &Offer{}
	require.NoError(t, o.AddVector(pricing.Vector{
		StartTime:    testNow,
		BaseTime:     testNow,
		BasePrice:    1_000_000_000,
		GrowthRate:   36_500,
		StepDuration: 86_400,
	}, testNow))

	quote, err := o.Take(1_000_000, 6, 6, testNow)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_100_000), quote.Price)

	later, err := o.Take(1_000_000, 6, 6, testNow+86_400)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_200_000), later.Price)
	require.Less(t, later.TokenOutAmount, quote.TokenOutAmount,
		"a higher price buys less token_out")
}

func TestAddVectorDerivesStartTime(t *testing.T) {
	o := &Offer{}

	// Base time in the past: activation snaps forward to now.
	require.NoError(t, o.AddVector(pricing.Vector{
		BaseTime:     testNow - 500,
		BasePrice:    1_000_000_000,
		StepDuration: 60,
	}, testNow))
	active, err := o.Vectors.ActiveAt(testNow)
	require.NoError(t, err)
	require.Equal(t, testNow, active.StartTime)

	// Base time in the future: activation waits for it.
	require.NoError(t, o.AddVector(pricing.Vector{
		BaseTime:     testNow + 5_000,
		BasePrice:    1_000_000_000,
		StepDuration: 60,
	}, testNow))
	live := o.Vectors.Live()
	require.Len(t, live, 2)
	require.Equal(t, testNow+5_000, live[1].StartTime)
}

func TestSetFeeBpsBounds(t *testing.T) {
	o := &Offer{}
	require.NoError(t, o.SetFeeBps(10_000))
	require.Equal(t, uint16(10_000), o.FeeBps)
	require.ErrorIs(t, o.SetFeeBps(10_001), ErrInvalidFeeBps)
	require.Equal(t, uint16(10_000), o.FeeBps, "rejected update must not apply")
}

func TestDistributionPolicy(t *testing.T) {
	require.Equal(t, SourceMint, ResolveTokenOutSource(true))
	require.Equal(t, SourceVault, ResolveTokenOutSource(false))
	require.Equal(t, DisposalBurn, ResolveTokenInDisposal(true))
	require.Equal(t, DisposalForward, ResolveTokenInDisposal(false))
}

func TestCheckSupplyCap(t *testing.T) {
	require.NoError(t, CheckSupplyCap(500, 500, 1_000))
	require.ErrorIs(t, CheckSupplyCap(500, 501, 1_000), ErrMaxSupplyExceeded)
	// Zero cap disables the check entirely.
	require.NoError(t, CheckSupplyCap(^uint64(0)-1, 1, 0))
	// Wrapping additions are caught.
	require.ErrorIs(t, CheckSupplyCap(^uint64(0), 2, ^uint64(0)), ErrMaxSupplyExceeded)
}
