package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

func TestAccrueFirstCallSeedsWatermark(t *testing.T) {
	state := &State{GrossYield: 150_000, CurrentYield: 50_000}

	minted, err := state.Accrue(1_000_000_000, 1_700_000_000)
	require.NoError(t, err)
	require.Zero(t, minted, "first accrual never mints retroactively")
	require.Equal(t, uint64(1_000_000_000), state.LowestSupply)
	require.Equal(t, int64(1_700_000_000), state.LastAccrualTimestamp)
}

func TestAccrueFullYearSpread(t *testing.T) {
	// 10% spread over one year on a 1e9 base mints 1e8.
	state := &State{
		GrossYield:           150_000,
		CurrentYield:         50_000,
		LowestSupply:         1_000_000_000,
		LastAccrualTimestamp: 1_000,
	}

	minted, err := state.Accrue(1_000_000_000, 1_000+pricing.SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), minted)
	require.Equal(t, int64(1_000+pricing.SecondsPerYear), state.LastAccrualTimestamp)
}

func TestAccrueUsesWatermarkNotCurrentSupply(t *testing.T) {
	state := &State{
		GrossYield:           200_000,
		CurrentYield:         100_000,
		LowestSupply:         500,
		LastAccrualTimestamp: 1_000,
	}

	// Current supply is far larger; the mint is still computed on the
	// watermark.
	minted, err := state.Accrue(1_000_000_000_000, 1_000+pricing.SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(50), minted)
	require.Equal(t, uint64(500), state.LowestSupply, "accrual never moves the watermark")
}

func TestAccrueEdgeCases(t *testing.T) {
	state := &State{
		GrossYield:           100_000,
		CurrentYield:         50_000,
		LowestSupply:         1_000_000,
		LastAccrualTimestamp: 5_000,
	}

	// Zero elapsed: nothing minted, nothing changed.
	minted, err := state.Accrue(1_000_000, 5_000)
	require.NoError(t, err)
	require.Zero(t, minted)

	_, err = state.Accrue(1_000_000, 4_999)
	require.ErrorIs(t, err, ErrClockRegression)

	// Inverted yields floor the spread at zero instead of failing.
	state.CurrentYield = 300_000
	minted, err = state.Accrue(1_000_000, 5_000+pricing.SecondsPerYear)
	require.NoError(t, err)
	require.Zero(t, minted)
	require.Equal(t, int64(5_000+pricing.SecondsPerYear), state.LastAccrualTimestamp,
		"a zero-spread accrual still advances the clock")
}

func TestUpdateLowestSupplyMonotone(t *testing.T) {
	state := &State{LowestSupply: 1_000}

	state.UpdateLowestSupply(1_500)
	require.Equal(t, uint64(1_000), state.LowestSupply, "watermark never rises")

	state.UpdateLowestSupply(900)
	require.Equal(t, uint64(900), state.LowestSupply)

	state.UpdateLowestSupply(900)
	require.Equal(t, uint64(900), state.LowestSupply)
}

func TestBurnForNAVIncrease(t *testing.T) {
	state := &State{LowestSupply: 2_000_000}

	// Supply 1_000_000 at price 1.0 holds 1_000_000 assets. Removing
	// 100_000 of assets at target NAV 1.0 requires burning 100_000.
	burn, err := state.BurnForNAVIncrease(100_000, 1_000_000_000, 1_000_000_000, 1_000_000, 500_000)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), burn)

	// The post-burn supply set a new watermark.
	require.Equal(t, uint64(900_000), state.LowestSupply)
}

func TestBurnRoundsTowardMoreBurning(t *testing.T) {
	state := &State{LowestSupply: ^uint64(0)}

	// assets = 1000*1.0 = 1000; after removing 1: 999. Target NAV 1.000000003
	// needs ceil(999e9/1000000003) = ceil(998.999...) = 999 supply, so the
	// burn is 1. Floor rounding would have produced required=998 and burn=2,
	// overshooting the target; the ceiling keeps NAV >= target with the
	// smallest burn that still gets there.
	burn, err := state.BurnForNAVIncrease(1, 1_000_000_003, 1_000_000_000, 1_000, 1_000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), burn)
}

func TestBurnFailureModes(t *testing.T) {
	state := &State{}

	_, err := state.BurnForNAVIncrease(1, 0, 1_000_000_000, 1_000, 1_000)
	require.ErrorIs(t, err, ErrZeroTargetNAV)

	// Adjustment larger than the whole asset base.
	_, err = state.BurnForNAVIncrease(1_001, 1_000_000_000, 1_000_000_000, 1_000, 1_000)
	require.ErrorIs(t, err, ErrExcessiveAdjustment)

	// A target NAV below the current one would require minting.
	_, err = state.BurnForNAVIncrease(0, 500_000_000, 1_000_000_000, 1_000, 1_000)
	require.ErrorIs(t, err, ErrInvalidBurnTarget)

	// No adjustment and NAV already on target: nothing to burn.
	_, err = state.BurnForNAVIncrease(0, 1_000_000_000, 1_000_000_000, 1_000, 1_000)
	require.ErrorIs(t, err, ErrNoBurnNeeded)

	// Burn exceeds what the cache vault holds.
	_, err = state.BurnForNAVIncrease(500, 1_000_000_000, 1_000_000_000, 1_000, 100)
	require.ErrorIs(t, err, ErrInsufficientVaultBalance)
}
