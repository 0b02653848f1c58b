// Package offer implements the sell-side offer engine and the inverse
// redemption engine. Both are pure state machines over validated inputs: the
// on-chain program has already authenticated the signer and will move the
// tokens; everything here is the deterministic computation and bookkeeping
// those instructions perform, reproduced so the backend can quote, estimate,
// and audit settlement without touching the chain.
package offer

import (
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

var (
	ErrZeroAmount        = errors.New("amount must be greater than zero")
	ErrInvalidFeeBps     = errors.New("fee basis points exceed 10000")
	ErrMaxSupplyExceeded = errors.New("mint would exceed the configured supply cap")
	ErrOverfill          = errors.New("increment exceeds the unfulfilled remainder")
	ErrRequestClosed     = errors.New("redemption request is already fully fulfilled")
)

// Offer is the sell-side configuration for one (token_in, token_out) mint
// pair. One offer exists per pair; the boss mutates fees, flags, and vectors.
type Offer struct {
	TokenInMint  solana.PublicKey
	TokenOutMint solana.PublicKey
	// FeeBps is deducted from token_in before conversion, 10000 == 100%.
	FeeBps uint16
	// NeedsApproval gates takers behind an allow list maintained on-chain.
	NeedsApproval bool
	// AllowPermissionless enables the intermediary-routed settlement route.
	AllowPermissionless bool
	Vectors             pricing.VectorSet
}

// TakeQuote is the full result of the take computation: the step price used,
// the fee split, and the converted output amount. The caller moves the funds;
// this value has no side effects of its own.
type TakeQuote struct {
	Price          uint64
	Fee            uint64
	TokenInNet     uint64
	TokenOutAmount uint64
}

// Take computes the settlement for exchanging tokenInAmount against the offer
// at time now. Both the direct and the permissionless settlement routes call
// exactly this computation; only the downstream transfer topology differs, so
// pricing can never diverge between them.
func (o *Offer) Take(tokenInAmount uint64, inDecimals, outDecimals uint8, now int64) (TakeQuote, error) {
	if tokenInAmount == 0 {
		return TakeQuote{}, ErrZeroAmount
	}

	price, err := o.Vectors.PriceAt(now)
	if err != nil {
		return TakeQuote{}, err
	}

	fee, net, err := pricing.CalculateFees(tokenInAmount, o.FeeBps)
	if err != nil {
		return TakeQuote{}, err
	}

	out, err := pricing.CalculateTokenOutAmount(net, price, inDecimals, outDecimals)
	if err != nil {
		return TakeQuote{}, err
	}

	return TakeQuote{
		Price:          price,
		Fee:            fee,
		TokenInNet:     net,
		TokenOutAmount: out,
	}, nil
}

// AddVector inserts a new pricing vector. A zero StartTime derives the
// activation time as max(BaseTime, now), the common case for "start charging
// this regime immediately".
func (o *Offer) AddVector(v pricing.Vector, now int64) error {
	if v.StartTime == 0 {
		v.StartTime = v.BaseTime
		if now > v.StartTime {
			v.StartTime = now
		}
	}
	return o.Vectors.Insert(v, now)
}

// DeleteVector removes a strictly-future vector.
func (o *Offer) DeleteVector(startTime int64, now int64) error {
	return o.Vectors.Delete(startTime, now)
}

// SetFeeBps updates the offer fee, bounded at 100%.
func (o *Offer) SetFeeBps(feeBps uint16) error {
	if uint64(feeBps) > pricing.BpsDenom {
		return ErrInvalidFeeBps
	}
	o.FeeBps = feeBps
	return nil
}

// TokenOutSource selects where settlement output comes from.
type TokenOutSource uint8

const (
	// SourceVault transfers from a pre-funded vault.
	SourceVault TokenOutSource = iota
	// SourceMint mints fresh supply, available when the protocol controls the
	// token_out mint authority.
	SourceMint
)

// TokenInDisposal selects what happens to collected token_in.
type TokenInDisposal uint8

const (
	// DisposalForward forwards token_in to the boss account.
	DisposalForward TokenInDisposal = iota
	// DisposalBurn burns token_in, available when the protocol controls that
	// mint's authority.
	DisposalBurn
)

// ResolveTokenOutSource applies the distribution policy for token_out.
func ResolveTokenOutSource(controlsMintAuthority bool) TokenOutSource {
	if controlsMintAuthority {
		return SourceMint
	}
	return SourceVault
}

// ResolveTokenInDisposal applies the symmetric policy for token_in.
func ResolveTokenInDisposal(controlsMintAuthority bool) TokenInDisposal {
	if controlsMintAuthority {
		return DisposalBurn
	}
	return DisposalForward
}

// CheckSupplyCap rejects a mint that would push total supply past a non-zero
// cap. A zero cap disables the check.
func CheckSupplyCap(currentSupply, mintAmount, supplyCap uint64) error {
	if supplyCap == 0 {
		return nil
	}
	after := currentSupply + mintAmount
	if after < currentSupply || after > supplyCap {
		return ErrMaxSupplyExceeded
	}
	return nil
}
