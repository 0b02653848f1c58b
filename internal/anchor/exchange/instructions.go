package exchange

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var (
	takeOfferDisc               = instructionDiscriminator("take_offer")
	createRedemptionRequestDisc = instructionDiscriminator("create_redemption_request")
	fulfillRedemptionDisc       = instructionDiscriminator("fulfill_redemption")
	cancelRedemptionRequestDisc = instructionDiscriminator("cancel_redemption_request")
	accrueDisc                  = instructionDiscriminator("accrue")
	updateLowestSupplyDisc      = instructionDiscriminator("update_lowest_supply")
)

func instructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// instructionData encodes a discriminator followed by a single borsh u64
// argument.
func instructionData(disc [8]byte, amount uint64) []byte {
	data := make([]byte, 16)
	copy(data, disc[:])
	binary.LittleEndian.PutUint64(data[8:], amount)
	return data
}

// TakeOfferAccounts are the accounts of the take_offer instruction, in
// program order.
type TakeOfferAccounts struct {
	Taker          solana.PublicKey
	Offer          solana.PublicKey
	TokenInMint    solana.PublicKey
	TokenOutMint   solana.PublicKey
	TakerTokenIn   solana.PublicKey
	TakerTokenOut  solana.PublicKey
	OfferVault     solana.PublicKey
	VaultAuthority solana.PublicKey
}

// NewTakeOfferInstruction builds the swap instruction. amount is the gross
// token-in amount; pricing, fees, and the output amount are resolved on-chain.
func NewTakeOfferInstruction(programID solana.PublicKey, accounts TakeOfferAccounts, amount uint64) solana.Instruction {
	data := instructionData(takeOfferDisc, amount)

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Taker, true, true),
		solana.NewAccountMeta(accounts.Offer, true, false),
		solana.NewAccountMeta(accounts.TokenInMint, false, false),
		solana.NewAccountMeta(accounts.TokenOutMint, true, false),
		solana.NewAccountMeta(accounts.TakerTokenIn, true, false),
		solana.NewAccountMeta(accounts.TakerTokenOut, true, false),
		solana.NewAccountMeta(accounts.OfferVault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}

// CreateRedemptionRequestAccounts are the accounts of the
// create_redemption_request instruction, in program order.
type CreateRedemptionRequestAccounts struct {
	Redeemer          solana.PublicKey
	RedemptionOffer   solana.PublicKey
	RedemptionRequest solana.PublicKey
	RedeemerTokenIn   solana.PublicKey
	OfferVault        solana.PublicKey
}

// NewCreateRedemptionRequestInstruction builds the request-creation
// instruction. The request PDA is derived from the redemption offer and its
// current request counter; the program escrows amount into the offer vault.
func NewCreateRedemptionRequestInstruction(programID solana.PublicKey, accounts CreateRedemptionRequestAccounts, amount uint64) solana.Instruction {
	data := instructionData(createRedemptionRequestDisc, amount)

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Redeemer, true, true),
		solana.NewAccountMeta(accounts.RedemptionOffer, true, false),
		solana.NewAccountMeta(accounts.RedemptionRequest, true, false),
		solana.NewAccountMeta(accounts.RedeemerTokenIn, true, false),
		solana.NewAccountMeta(accounts.OfferVault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}

// FulfillRedemptionAccounts are the accounts of the fulfill_redemption
// instruction, in program order.
type FulfillRedemptionAccounts struct {
	Admin             solana.PublicKey
	RedemptionOffer   solana.PublicKey
	RedemptionRequest solana.PublicKey
	AdminTokenOut     solana.PublicKey
	RedeemerTokenOut  solana.PublicKey
}

// NewFulfillRedemptionInstruction builds the admin-side fulfillment. amount is
// the token-in amount being fulfilled; partial amounts advance the request and
// the program closes it once fully served.
func NewFulfillRedemptionInstruction(programID solana.PublicKey, accounts FulfillRedemptionAccounts, amount uint64) solana.Instruction {
	data := instructionData(fulfillRedemptionDisc, amount)

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Admin, true, true),
		solana.NewAccountMeta(accounts.RedemptionOffer, true, false),
		solana.NewAccountMeta(accounts.RedemptionRequest, true, false),
		solana.NewAccountMeta(accounts.AdminTokenOut, true, false),
		solana.NewAccountMeta(accounts.RedeemerTokenOut, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}

// CancelRedemptionRequestAccounts are the accounts of the
// cancel_redemption_request instruction, in program order.
type CancelRedemptionRequestAccounts struct {
	Redeemer          solana.PublicKey
	RedemptionOffer   solana.PublicKey
	RedemptionRequest solana.PublicKey
	RedeemerTokenIn   solana.PublicKey
	OfferVault        solana.PublicKey
	VaultAuthority    solana.PublicKey
}

// NewCancelRedemptionRequestInstruction builds the redeemer-side cancel. The
// program refunds the unfulfilled remainder from the vault and closes the
// request account.
func NewCancelRedemptionRequestInstruction(programID solana.PublicKey, accounts CancelRedemptionRequestAccounts) solana.Instruction {
	data := make([]byte, len(cancelRedemptionRequestDisc))
	copy(data, cancelRedemptionRequestDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Redeemer, true, true),
		solana.NewAccountMeta(accounts.RedemptionOffer, true, false),
		solana.NewAccountMeta(accounts.RedemptionRequest, true, false),
		solana.NewAccountMeta(accounts.RedeemerTokenIn, true, false),
		solana.NewAccountMeta(accounts.OfferVault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}

// AccrueAccounts are the accounts of the accrue instruction, in program order.
type AccrueAccounts struct {
	Cranker        solana.PublicKey
	CacheState     solana.PublicKey
	Mint           solana.PublicKey
	CacheVault     solana.PublicKey
	VaultAuthority solana.PublicKey
}

// NewAccrueInstruction builds the permissionless yield-accrual instruction.
// The cranker pays fees and signs; the program does the minting.
func NewAccrueInstruction(programID solana.PublicKey, accounts AccrueAccounts) solana.Instruction {
	data := make([]byte, len(accrueDisc))
	copy(data, accrueDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Cranker, true, true),
		solana.NewAccountMeta(accounts.CacheState, true, false),
		solana.NewAccountMeta(accounts.Mint, true, false),
		solana.NewAccountMeta(accounts.CacheVault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}

// NewUpdateLowestSupplyInstruction builds the permissionless watermark
// refresh. The program compares the mint's live supply against the recorded
// watermark and lowers the watermark when supply dropped.
func NewUpdateLowestSupplyInstruction(programID, cranker, cacheState, mint solana.PublicKey) solana.Instruction {
	data := make([]byte, len(updateLowestSupplyDisc))
	copy(data, updateLowestSupplyDisc[:])

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(cranker, true, true),
		solana.NewAccountMeta(cacheState, true, false),
		solana.NewAccountMeta(mint, false, false),
	}

	return solana.NewInstruction(programID, metas, data)
}
