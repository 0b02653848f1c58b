// Package cache implements the yield-accrual and NAV-support burn engine for
// the ONYX mint. Accrual mints new supply proportional to elapsed time, the
// yield spread, and the lowest supply ever observed; the burn side retires
// supply from the cache vault to lift NAV back to a target. As with the other
// engines, this package only computes: the mint and burn themselves are
// program instructions executed on-chain.
package cache

import (
	"errors"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

var (
	ErrClockRegression          = errors.New("timestamp precedes last accrual")
	ErrZeroTargetNAV            = errors.New("target NAV must be greater than zero")
	ErrExcessiveAdjustment      = errors.New("asset adjustment exceeds total assets")
	ErrInvalidBurnTarget        = errors.New("target NAV would require minting, not burning")
	ErrNoBurnNeeded             = errors.New("supply already satisfies the target NAV")
	ErrInsufficientVaultBalance = errors.New("cache vault balance below required burn")
)

// State is the singleton yield controller for the ONYX mint.
type State struct {
	Mint  solana.PublicKey
	Admin solana.PublicKey
	// GrossYield and CurrentYield are APR-like rates in YieldScale units.
	// GrossYield is what the underlying assets earn; CurrentYield is what is
	// passed through to holders. The difference accrues to the cache.
	GrossYield   uint64
	CurrentYield uint64
	// LowestSupply is the minimum circulating supply ever observed. It is the
	// accrual base: once supply dips, future accrual is permanently reduced
	// until a lower watermark is set, so yield is never paid on supply that
	// only existed temporarily.
	LowestSupply uint64
	// LastAccrualTimestamp is zero until the first accrual seeds the state.
	LastAccrualTimestamp int64
}

// Accrue advances the accrual clock to now and returns the amount to mint to
// the cache vault:
//
//	mint = lowestSupply * max(0, gross-current) * elapsed / SecondsPerYear / YieldScale
//
// The first call only seeds the watermark and timestamp; nothing is minted
// retroactively. A repeated call at the same timestamp is a no-op.
func (s *State) Accrue(currentSupply uint64, now int64) (uint64, error) {
	if s.LastAccrualTimestamp == 0 {
		s.LowestSupply = currentSupply
		s.LastAccrualTimestamp = now
		return 0, nil
	}

	elapsed := now - s.LastAccrualTimestamp
	if elapsed < 0 {
		return 0, ErrClockRegression
	}
	if elapsed == 0 {
		return 0, nil
	}

	var spread uint64
	if s.GrossYield > s.CurrentYield {
		spread = s.GrossYield - s.CurrentYield
	}

	amount := new(big.Int).SetUint64(s.LowestSupply)
	amount.Mul(amount, new(big.Int).SetUint64(spread))
	amount.Mul(amount, big.NewInt(elapsed))
	amount.Div(amount, big.NewInt(pricing.SecondsPerYear))
	amount.Div(amount, new(big.Int).SetUint64(pricing.YieldScale))
	if !amount.IsUint64() {
		return 0, pricing.ErrOverflow
	}

	s.LastAccrualTimestamp = now
	return amount.Uint64(), nil
}

// UpdateLowestSupply tightens the supply watermark. It can only ever lower the
// bound, so the operation needs no privilege: any observer may report a dip.
func (s *State) UpdateLowestSupply(currentSupply uint64) {
	if currentSupply < s.LowestSupply {
		s.LowestSupply = currentSupply
	}
}

// BurnForNAVIncrease computes the burn that lifts NAV to targetNAV after
// removing assetAdjustment from the asset base:
//
//	totalAssets   = currentSupply * currentPrice / 10^PriceDecimals
//	requiredAfter = ceil((totalAssets - assetAdjustment) * 10^PriceDecimals / targetNAV)
//	burn          = currentSupply - requiredAfter
//
// The required supply rounds up: under-burning would leave NAV short of the
// target, so rounding always errs toward burning more. vaultBalance is the
// cache vault's actual token balance, the only supply this engine may retire.
// A successful burn lowers the watermark when the post-burn supply is a new
// low.
func (s *State) BurnForNAVIncrease(assetAdjustment, targetNAV, currentPrice, currentSupply, vaultBalance uint64) (uint64, error) {
	if targetNAV == 0 {
		return 0, ErrZeroTargetNAV
	}

	scale := new(big.Int).SetUint64(pricing.PriceScale)

	totalAssets := new(big.Int).SetUint64(currentSupply)
	totalAssets.Mul(totalAssets, new(big.Int).SetUint64(currentPrice))
	totalAssets.Div(totalAssets, scale)

	adjustment := new(big.Int).SetUint64(assetAdjustment)
	if adjustment.Cmp(totalAssets) > 0 {
		return 0, ErrExcessiveAdjustment
	}

	assetsAfter := totalAssets.Sub(totalAssets, adjustment)

	requiredAfter := assetsAfter.Mul(assetsAfter, scale)
	target := new(big.Int).SetUint64(targetNAV)
	remainder := new(big.Int)
	requiredAfter.DivMod(requiredAfter, target, remainder)
	if remainder.Sign() != 0 {
		requiredAfter.Add(requiredAfter, big.NewInt(1))
	}

	supply := new(big.Int).SetUint64(currentSupply)
	if requiredAfter.Cmp(supply) > 0 {
		return 0, ErrInvalidBurnTarget
	}

	burn := supply.Sub(supply, requiredAfter)
	if !burn.IsUint64() {
		return 0, pricing.ErrOverflow
	}
	burnAmount := burn.Uint64()
	if burnAmount == 0 {
		return 0, ErrNoBurnNeeded
	}
	if burnAmount > vaultBalance {
		return 0, ErrInsufficientVaultBalance
	}

	s.UpdateLowestSupply(currentSupply - burnAmount)
	return burnAmount, nil
}
