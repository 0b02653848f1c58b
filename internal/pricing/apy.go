package pricing

import (
	"errors"
	"math/big"
)

// The ln/exp kernel works at a 1e12 internal scale, which keeps well over nine
// significant digits through the series expansions. It backs the annualized
// yield figure only; nothing on the settlement path touches it.
const apyInternalScale = int64(1_000_000_000_000)

// MaxReportedYield caps the annualized yield returned by AnnualizedYield at
// 10000% (YieldScale units). The clamp is a display-layer saturation: the
// stored growth rate is never altered.
const MaxReportedYield = uint64(100_000_000)

// ln2 * 1e12, rounded.
var ln2Fixed = big.NewInt(693_147_180_560)

var errLnDomain = errors.New("ln argument must be positive")

// AnnualizedYield reports the compounded annual yield implied by a vector's
// growth rate and step duration, in YieldScale units. The settlement price
// grows linearly (CalculateVectorPrice) but snaps once per step, so the
// compounded figure treats each step's simple-interest increment as one
// compounding period:
//
//	apy = exp((SecondsPerYear/stepDuration) * ln(1 + rate*stepDuration/SecondsPerYear)) - 1
//
// Note the asymmetry with the linear settlement formula is intentional and
// mirrors the on-chain program: both views are derived from the same stored
// rate.
func AnnualizedYield(growthRate uint64, stepDuration int64) (uint64, error) {
	if growthRate == 0 {
		return 0, nil
	}
	if stepDuration <= 0 {
		return 0, ErrInvalidStepLength
	}

	scale := big.NewInt(apyInternalScale)

	// Annual simple rate at internal scale: growthRate/YieldScale.
	annualRate := new(big.Int).SetUint64(growthRate)
	annualRate.Mul(annualRate, scale)
	annualRate.Div(annualRate, new(big.Int).SetUint64(YieldScale))

	// Per-step simple rate.
	stepRate := new(big.Int).Mul(annualRate, big.NewInt(stepDuration))
	stepRate.Div(stepRate, big.NewInt(SecondsPerYear))
	if stepRate.Sign() == 0 {
		// The step increment rounds to zero at internal scale; compounding
		// zero yields zero.
		return 0, nil
	}

	onePlus := new(big.Int).Add(scale, stepRate)
	lnStep, err := lnFixed(onePlus)
	if err != nil {
		return 0, err
	}

	// Compound over a year's worth of steps.
	exponent := new(big.Int).Mul(lnStep, big.NewInt(SecondsPerYear))
	exponent.Div(exponent, big.NewInt(stepDuration))

	grown, err := expFixed(exponent)
	if errors.Is(err, ErrOverflow) {
		// Past the representable range the reported figure saturates.
		return MaxReportedYield, nil
	}
	if err != nil {
		return 0, err
	}
	grown.Sub(grown, scale)
	if grown.Sign() < 0 {
		grown.SetInt64(0)
	}

	// Back to YieldScale units.
	out := grown.Div(grown, new(big.Int).Div(scale, new(big.Int).SetUint64(YieldScale)))
	if !out.IsUint64() || out.Uint64() > MaxReportedYield {
		return MaxReportedYield, nil
	}
	return out.Uint64(), nil
}

// lnFixed computes the natural log of x (1e12 fixed point) via the arctanh
// series after reducing x into [1, 2) by powers of two:
//
//	ln x = k*ln2 + 2*(z + z^3/3 + z^5/5 + ...),  z = (m-1)/(m+1)
func lnFixed(x *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, errLnDomain
	}

	scale := big.NewInt(apyInternalScale)
	two := big.NewInt(2)

	m := new(big.Int).Set(x)
	k := int64(0)
	double := new(big.Int).Mul(scale, two)
	for m.Cmp(double) >= 0 {
		m.Div(m, two)
		k++
	}
	for m.Cmp(scale) < 0 {
		m.Mul(m, two)
		k--
	}

	// z = (m - 1) / (m + 1) at fixed scale.
	numerator := new(big.Int).Sub(m, scale)
	numerator.Mul(numerator, scale)
	denominator := new(big.Int).Add(m, scale)
	z := numerator.Div(numerator, denominator)

	zSquared := new(big.Int).Mul(z, z)
	zSquared.Div(zSquared, scale)

	sum := new(big.Int)
	term := new(big.Int).Set(z)
	for n := int64(1); term.Sign() != 0 && n < 201; n += 2 {
		contribution := new(big.Int).Div(term, big.NewInt(n))
		if contribution.Sign() == 0 {
			break
		}
		sum.Add(sum, contribution)
		term.Mul(term, zSquared)
		term.Div(term, scale)
	}
	sum.Mul(sum, two)

	sum.Add(sum, new(big.Int).Mul(big.NewInt(k), ln2Fixed))
	return sum, nil
}

// expFixed computes e^y for y >= 0 (1e12 fixed point): y is split as
// k*ln2 + r with r in [0, ln2), the remainder handled by the Taylor series and
// the power of two applied as a shift.
func expFixed(y *big.Int) (*big.Int, error) {
	if y.Sign() < 0 {
		return nil, ErrOverflow
	}

	scale := big.NewInt(apyInternalScale)

	k := new(big.Int).Div(y, ln2Fixed)
	if !k.IsInt64() || k.Int64() > 127 {
		// Anything beyond 2^127 saturates the reporting clamp anyway.
		return nil, ErrOverflow
	}
	r := new(big.Int).Sub(y, new(big.Int).Mul(k, ln2Fixed))

	sum := new(big.Int).Set(scale)
	term := new(big.Int).Set(scale)
	for n := int64(1); term.Sign() != 0 && n < 64; n++ {
		term.Mul(term, r)
		term.Div(term, scale)
		term.Div(term, big.NewInt(n))
		sum.Add(sum, term)
	}

	return sum.Lsh(sum, uint(k.Int64())), nil
}
