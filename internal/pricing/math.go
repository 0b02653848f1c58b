// Package pricing implements the deterministic fixed-point arithmetic and the
// time-activated pricing-vector model shared by the exchange program's sell
// offers, redemption offers, and the cache yield engine. Every function here is
// a pure computation over integers: the on-chain program is the source of truth
// for settlement, and this package reproduces its math bit-for-bit so that
// quotes, crank estimates, and indexed analytics agree with what the chain
// will actually do.
package pricing

import (
	"errors"
	"math/big"
)

const (
	// PriceDecimals is the fixed decimal scale of every price and NAV value.
	PriceDecimals = 9
	// PriceScale is 10^PriceDecimals.
	PriceScale = uint64(1_000_000_000)
	// YieldScale scales growth and yield rates: 1_000_000 == 1% per year.
	YieldScale = uint64(1_000_000)
	// BpsDenom is the conventional basis-point denominator.
	BpsDenom = uint64(10_000)
	// SecondsPerYear is the protocol's fixed year length (365 days).
	SecondsPerYear = int64(31_536_000)
)

var (
	ErrOverflow           = errors.New("checked arithmetic overflow")
	ErrZeroPrice          = errors.New("price must be greater than zero")
	ErrInvalidStepLength  = errors.New("step duration must be greater than zero")
	ErrNoActiveVector     = errors.New("no active pricing vector")
	ErrZeroStartTime      = errors.New("vector start time must be non-zero")
	ErrDuplicateStartTime = errors.New("vector start time already present")
	ErrOutOfOrder         = errors.New("vector start time must exceed every existing start time")
	ErrVectorSetFull      = errors.New("vector set has no free slot")
	ErrVectorNotFound     = errors.New("vector not found")
	ErrVectorNotDeletable = errors.New("only future vectors can be deleted")
)

// CalculateFees splits amount into (fee, remaining) at feeBps basis points.
// The fee truncates toward zero, so fee + remaining == amount always holds.
// feeBps is expected to be <= 10000; the offer mutation path enforces that at
// configuration time, not here.
func CalculateFees(amount uint64, feeBps uint16) (fee uint64, remaining uint64, err error) {
	fee, err = mulDivFloor(amount, uint64(feeBps), BpsDenom)
	if err != nil {
		return 0, 0, err
	}
	// fee <= amount because feeBps <= BpsDenom on every configured offer, but
	// the subtraction stays checked against misconfigured inputs.
	if fee > amount {
		return 0, 0, ErrOverflow
	}
	return fee, amount - fee, nil
}

// CalculateTokenOutAmount converts inAmount of the token_in mint into the
// token_out mint at the quoted price:
//
//	out = in * 10^(outDecimals+PriceDecimals) / (price * 10^inDecimals)
//
// Intermediates are computed on big.Int so the product can never wrap before
// the final 64-bit narrowing.
func CalculateTokenOutAmount(inAmount uint64, price uint64, inDecimals, outDecimals uint8) (uint64, error) {
	if price == 0 {
		return 0, ErrZeroPrice
	}

	numerator := new(big.Int).SetUint64(inAmount)
	numerator.Mul(numerator, pow10(uint(outDecimals)+PriceDecimals))

	denominator := new(big.Int).SetUint64(price)
	denominator.Mul(denominator, pow10(uint(inDecimals)))

	out := numerator.Div(numerator, denominator)
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// CalculateRedemptionOutAmount is the inverse-direction conversion used when a
// locked token_in balance is redeemed at the offer's quoted price:
//
//	out = in * price * 10^outDecimals / 10^(inDecimals+PriceDecimals)
//
// This is a direct multiplication by price, deliberately asymmetric with
// CalculateTokenOutAmount: the forward formula answers "how much token_out does
// this token_in buy", redemption answers "how much token_out does this token_in
// redeem for" with price as a direct unit value.
func CalculateRedemptionOutAmount(inAmount uint64, price uint64, inDecimals, outDecimals uint8) (uint64, error) {
	if price == 0 {
		return 0, ErrZeroPrice
	}

	numerator := new(big.Int).SetUint64(inAmount)
	numerator.Mul(numerator, new(big.Int).SetUint64(price))
	numerator.Mul(numerator, pow10(uint(outDecimals)))

	out := numerator.Div(numerator, pow10(uint(inDecimals)+PriceDecimals))
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// CalculateVectorPrice grows basePrice by growthRate over elapsed seconds:
//
//	price = basePrice * (YieldScale*SecondsPerYear + growthRate*elapsed)
//	                  / (YieldScale*SecondsPerYear)
//
// Growth is linear (simple interest), not compound. That is load-bearing
// program behavior: the on-chain settlement path uses exactly this formula, and
// the compounded figure reported by AnnualizedYield is a separate display-only
// view of the same stored rate.
func CalculateVectorPrice(growthRate uint64, basePrice uint64, elapsed int64) (uint64, error) {
	if elapsed < 0 {
		return 0, ErrOverflow
	}

	yearScale := new(big.Int).Mul(
		new(big.Int).SetUint64(YieldScale),
		big.NewInt(SecondsPerYear),
	)

	growth := new(big.Int).SetUint64(growthRate)
	growth.Mul(growth, big.NewInt(elapsed))
	growth.Add(growth, yearScale)

	out := new(big.Int).SetUint64(basePrice)
	out.Mul(out, growth)
	out.Div(out, yearScale)
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// CalculateStepPriceAt evaluates the step function at time now. The price is
// constant within a step and snaps to the end of the current step: a vector
// that just activated already quotes one step's worth of growth and never
// exposes the raw base price. Price changes therefore land exactly on step
// boundaries.
func CalculateStepPriceAt(growthRate uint64, basePrice uint64, baseTime int64, stepDuration int64, now int64) (uint64, error) {
	if now < baseTime {
		return 0, ErrNoActiveVector
	}
	if stepDuration <= 0 {
		return 0, ErrInvalidStepLength
	}

	step := (now - baseTime) / stepDuration
	effectiveElapsed, ok := checkedStepEnd(step, stepDuration)
	if !ok {
		return 0, ErrOverflow
	}
	return CalculateVectorPrice(growthRate, basePrice, effectiveElapsed)
}

// checkedStepEnd computes (step+1)*stepDuration without wrapping.
func checkedStepEnd(step int64, stepDuration int64) (int64, bool) {
	next := step + 1
	if next <= 0 {
		return 0, false
	}
	product := new(big.Int).Mul(big.NewInt(next), big.NewInt(stepDuration))
	if !product.IsInt64() {
		return 0, false
	}
	return product.Int64(), true
}

// mulDivFloor computes a*b/denominator with a 128-bit-wide intermediate,
// flooring the result.
func mulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, ErrOverflow
	}
	out := new(big.Int).SetUint64(a)
	out.Mul(out, new(big.Int).SetUint64(b))
	out.Div(out, new(big.Int).SetUint64(denominator))
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
