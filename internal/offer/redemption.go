package offer

import (
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

// RedemptionOffer is the buy-back configuration layered over an underlying
// sell offer. It prices with the same vector set, in the inverse direction.
// The aggregate accumulators are unbounded u128 on-chain, mirrored here as
// big.Int.
type RedemptionOffer struct {
	// Offer is the address of the underlying sell offer whose vectors price
	// every redemption.
	Offer  solana.PublicKey
	FeeBps uint16
	// RequestedRedemptions is the total token_in currently locked across open
	// requests.
	RequestedRedemptions *big.Int
	// ExecutedRedemptions is the lifetime total of fulfilled token_in.
	ExecutedRedemptions *big.Int
	// RequestCounter increments once per created request and never resets.
	RequestCounter uint64
}

// NewRedemptionOffer constructs an empty redemption offer over the given
// underlying offer.
func NewRedemptionOffer(underlying solana.PublicKey, feeBps uint16) (*RedemptionOffer, error) {
	if uint64(feeBps) > pricing.BpsDenom {
		return nil, ErrInvalidFeeBps
	}
	return &RedemptionOffer{
		Offer:                underlying,
		FeeBps:               feeBps,
		RequestedRedemptions: new(big.Int),
		ExecutedRedemptions:  new(big.Int),
	}, nil
}

// RedemptionRequest is one redeemer's claim against a locked token_in
// balance. FulfilledAmount climbs from 0 to Amount across fulfillment calls
// and never moves backward; the account closes when they meet.
type RedemptionRequest struct {
	Offer           solana.PublicKey
	RequestID       uint64
	Redeemer        solana.PublicKey
	Amount          uint64
	FulfilledAmount uint64
}

// Remaining is the still-unfulfilled locked balance.
func (r *RedemptionRequest) Remaining() uint64 {
	return r.Amount - r.FulfilledAmount
}

// CreateRequest records a new redemption claim for amount of token_in, which
// the caller has locked in the redemption vault. The request's identity is the
// counter value before the increment.
func (ro *RedemptionOffer) CreateRequest(redeemer solana.PublicKey, amount uint64) (*RedemptionRequest, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	request := &RedemptionRequest{
		Offer:     ro.Offer,
		RequestID: ro.RequestCounter,
		Redeemer:  redeemer,
		Amount:    amount,
	}
	ro.RequestCounter++
	ro.RequestedRedemptions.Add(ro.RequestedRedemptions, new(big.Int).SetUint64(amount))
	return request, nil
}

// FulfillResult reports one fulfillment's settlement breakdown. Closed is set
// when this increment completed the request, at which point the on-chain
// account is closed and its rent refunded.
type FulfillResult struct {
	Price          uint64
	Fee            uint64
	TokenInNet     uint64
	TokenOutAmount uint64
	Closed         bool
}

// Fulfill settles increment of the request's locked balance at the offer's
// current step price, in the redemption (inverse) direction. Partial fills are
// the normal case: the admin works a large request down across calls as
// liquidity allows.
func (ro *RedemptionOffer) Fulfill(
	request *RedemptionRequest,
	increment uint64,
	vectors *pricing.VectorSet,
	inDecimals, outDecimals uint8,
	now int64,
) (FulfillResult, error) {
	if increment == 0 {
		return FulfillResult{}, ErrZeroAmount
	}
	if request.FulfilledAmount == request.Amount {
		return FulfillResult{}, ErrRequestClosed
	}
	if increment > request.Remaining() {
		return FulfillResult{}, ErrOverfill
	}

	price, err := vectors.PriceAt(now)
	if err != nil {
		return FulfillResult{}, err
	}

	fee, net, err := pricing.CalculateFees(increment, ro.FeeBps)
	if err != nil {
		return FulfillResult{}, err
	}

	out, err := pricing.CalculateRedemptionOutAmount(net, price, inDecimals, outDecimals)
	if err != nil {
		return FulfillResult{}, err
	}

	request.FulfilledAmount += increment
	delta := new(big.Int).SetUint64(increment)
	ro.RequestedRedemptions.Sub(ro.RequestedRedemptions, delta)
	ro.ExecutedRedemptions.Add(ro.ExecutedRedemptions, delta)

	return FulfillResult{
		Price:          price,
		Fee:            fee,
		TokenInNet:     net,
		TokenOutAmount: out,
		Closed:         request.FulfilledAmount == request.Amount,
	}, nil
}

// Cancel abandons the unfulfilled remainder of a request: the remainder goes
// back to the redeemer from the lock vault and the account closes. Valid at
// any point in the lifecycle, including before any fulfillment.
func (ro *RedemptionOffer) Cancel(request *RedemptionRequest) (returned uint64) {
	returned = request.Remaining()
	ro.RequestedRedemptions.Sub(ro.RequestedRedemptions, new(big.Int).SetUint64(returned))
	return returned
}
