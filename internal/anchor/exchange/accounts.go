// Package exchange mirrors the on-chain exchange program's account layouts and
// the instructions the backend cranks. The shapes follow anchor conventions:
// every account starts with an 8-byte discriminator derived from its name, the
// payload is borsh. The mirror is maintained by hand against the program IDL;
// ParseAccount_* fails loudly on any drift so the indexer never stores a
// misdecoded account.
package exchange

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/onyxlabs/exchange/backend/internal/cache"
	"github.com/onyxlabs/exchange/backend/internal/offer"
	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

// ProgramID is set at service startup from configuration.
var ProgramID solana.PublicKey

var (
	Account_Offer             = accountDiscriminator("Offer")
	Account_RedemptionOffer   = accountDiscriminator("RedemptionOffer")
	Account_RedemptionRequest = accountDiscriminator("RedemptionRequest")
	Account_CacheState        = accountDiscriminator("CacheState")
)

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// PricingVector is one slot of an offer's fixed-size vector array. All-zero
// means the slot is empty.
type PricingVector struct {
	StartTime    int64
	BaseTime     int64
	BasePrice    uint64
	GrowthRate   uint64
	StepDuration int64
}

type Offer struct {
	Boss                solana.PublicKey
	TokenInMint         solana.PublicKey
	TokenOutMint        solana.PublicKey
	FeeBps              uint16
	NeedsApproval       bool
	AllowPermissionless bool
	Vectors             [pricing.VectorSetCapacity]PricingVector
}

type RedemptionOffer struct {
	Offer                solana.PublicKey
	Admin                solana.PublicKey
	FeeBps               uint16
	RequestedRedemptions bin.Uint128
	ExecutedRedemptions  bin.Uint128
	RequestCounter       uint64
}

type RedemptionRequest struct {
	Offer           solana.PublicKey
	RequestId       uint64
	Redeemer        solana.PublicKey
	Amount          uint64
	FulfilledAmount uint64
}

type CacheState struct {
	Mint                 solana.PublicKey
	Admin                solana.PublicKey
	GrossYield           uint64
	CurrentYield         uint64
	LowestSupply         uint64
	LastAccrualTimestamp int64
}

func ParseAccount_Offer(data []byte) (*Offer, error) {
	payload, err := stripDiscriminator(data, Account_Offer, "Offer")
	if err != nil {
		return nil, err
	}
	out := new(Offer)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode Offer: %w", err)
	}
	return out, nil
}

func ParseAccount_RedemptionOffer(data []byte) (*RedemptionOffer, error) {
	payload, err := stripDiscriminator(data, Account_RedemptionOffer, "RedemptionOffer")
	if err != nil {
		return nil, err
	}
	out := new(RedemptionOffer)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode RedemptionOffer: %w", err)
	}
	return out, nil
}

func ParseAccount_RedemptionRequest(data []byte) (*RedemptionRequest, error) {
	payload, err := stripDiscriminator(data, Account_RedemptionRequest, "RedemptionRequest")
	if err != nil {
		return nil, err
	}
	out := new(RedemptionRequest)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode RedemptionRequest: %w", err)
	}
	return out, nil
}

func ParseAccount_CacheState(data []byte) (*CacheState, error) {
	payload, err := stripDiscriminator(data, Account_CacheState, "CacheState")
	if err != nil {
		return nil, err
	}
	out := new(CacheState)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode CacheState: %w", err)
	}
	return out, nil
}

func stripDiscriminator(data []byte, want [8]byte, name string) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("account payload too short for %s", name)
	}
	if !bytes.Equal(data[:8], want[:]) {
		return nil, fmt.Errorf("discriminator mismatch for %s", name)
	}
	return data[8:], nil
}

// Engine converts the account mirror into the engine representation used for
// quoting and estimation.
func (o *Offer) Engine() *offer.Offer {
	out := &offer.Offer{
		TokenInMint:         o.TokenInMint,
		TokenOutMint:        o.TokenOutMint,
		FeeBps:              o.FeeBps,
		NeedsApproval:       o.NeedsApproval,
		AllowPermissionless: o.AllowPermissionless,
	}
	for i, v := range o.Vectors {
		out.Vectors[i] = pricing.Vector{
			StartTime:    v.StartTime,
			BaseTime:     v.BaseTime,
			BasePrice:    v.BasePrice,
			GrowthRate:   v.GrowthRate,
			StepDuration: v.StepDuration,
		}
	}
	return out
}

// Engine converts the account mirror into the engine representation.
func (ro *RedemptionOffer) Engine() *offer.RedemptionOffer {
	return &offer.RedemptionOffer{
		Offer:                ro.Offer,
		FeeBps:               ro.FeeBps,
		RequestedRedemptions: cloneU128(ro.RequestedRedemptions),
		ExecutedRedemptions:  cloneU128(ro.ExecutedRedemptions),
		RequestCounter:       ro.RequestCounter,
	}
}

// Engine converts the account mirror into the engine representation.
func (r *RedemptionRequest) Engine() *offer.RedemptionRequest {
	return &offer.RedemptionRequest{
		Offer:           r.Offer,
		RequestID:       r.RequestId,
		Redeemer:        r.Redeemer,
		Amount:          r.Amount,
		FulfilledAmount: r.FulfilledAmount,
	}
}

// Engine converts the account mirror into the engine representation.
func (c *CacheState) Engine() *cache.State {
	return &cache.State{
		Mint:                 c.Mint,
		Admin:                c.Admin,
		GrossYield:           c.GrossYield,
		CurrentYield:         c.CurrentYield,
		LowestSupply:         c.LowestSupply,
		LastAccrualTimestamp: c.LastAccrualTimestamp,
	}
}

func cloneU128(value bin.Uint128) *big.Int {
	return new(big.Int).Set(value.BigInt())
}
