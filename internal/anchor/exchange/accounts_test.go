package exchange

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAccount(t *testing.T, disc [8]byte, v interface{}) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	require.NoError(t, bin.NewBorshEncoder(buf).Encode(v))
	return buf.Bytes()
}

func TestParseOfferRoundTrip(t *testing.T) {
	in := Offer{
		Boss:                solana.NewWallet().PublicKey(),
		TokenInMint:         solana.NewWallet().PublicKey(),
		TokenOutMint:        solana.NewWallet().PublicKey(),
		FeeBps:              25,
		NeedsApproval:       true,
		AllowPermissionless: false,
	}
	in.Vectors[0] = PricingVector{
		StartTime:    1_700_000_000,
		BaseTime:     1_700_000_000,
		BasePrice:    1_000_000_000,
		GrowthRate:   36_500_000,
		StepDuration: 86_400,
	}

	out, err := ParseAccount_Offer(encodeAccount(t, Account_Offer, in))
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	engine := out.Engine()
	assert.Equal(t, in.TokenInMint, engine.TokenInMint)
	assert.Equal(t, in.Vectors[0].BasePrice, engine.Vectors[0].BasePrice)
}

func TestParseRedemptionOfferRoundTrip(t *testing.T) {
	requested := bin.Uint128{Lo: 0x1122334455667788, Hi: 0x99}
	in := RedemptionOffer{
		Offer:                solana.NewWallet().PublicKey(),
		Admin:                solana.NewWallet().PublicKey(),
		FeeBps:               100,
		RequestedRedemptions: requested,
		RequestCounter:       7,
	}

	out, err := ParseAccount_RedemptionOffer(encodeAccount(t, Account_RedemptionOffer, in))
	require.NoError(t, err)
	assert.Equal(t, in.Offer, out.Offer)
	assert.Equal(t, in.FeeBps, out.FeeBps)
	assert.Equal(t, in.RequestCounter, out.RequestCounter)
	assert.Equal(t, requested.BigInt().String(), out.RequestedRedemptions.BigInt().String())

	engine := out.Engine()
	assert.Zero(t, engine.ExecutedRedemptions.Sign())
	assert.Equal(t, requested.BigInt(), engine.RequestedRedemptions)
}

func TestParseCacheStateRoundTrip(t *testing.T) {
	in := CacheState{
		Mint:                 solana.NewWallet().PublicKey(),
		Admin:                solana.NewWallet().PublicKey(),
		GrossYield:           5_000_000,
		CurrentYield:         4_000_000,
		LowestSupply:         1_000_000_000,
		LastAccrualTimestamp: 1_700_000_000,
	}

	out, err := ParseAccount_CacheState(encodeAccount(t, Account_CacheState, in))
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestParseRejectsWrongDiscriminator(t *testing.T) {
	data := encodeAccount(t, Account_CacheState, CacheState{})

	_, err := ParseAccount_Offer(data)
	require.Error(t, err)

	_, err = ParseAccount_Offer(data[:4])
	require.Error(t, err)
}

func TestInstructionBuilders(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	accounts := AccrueAccounts{
		Cranker:        solana.NewWallet().PublicKey(),
		CacheState:     solana.NewWallet().PublicKey(),
		Mint:           solana.NewWallet().PublicKey(),
		CacheVault:     solana.NewWallet().PublicKey(),
		VaultAuthority: solana.NewWallet().PublicKey(),
	}

	ix := NewAccrueInstruction(program, accounts)
	assert.Equal(t, program, ix.ProgramID())
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, accrueDisc[:], data)
	metas := ix.Accounts()
	require.Len(t, metas, 6)
	assert.True(t, metas[0].IsSigner)
	assert.True(t, metas[1].IsWritable)
	assert.Equal(t, solana.TokenProgramID, metas[5].PublicKey)

	ix = NewUpdateLowestSupplyInstruction(program, accounts.Cranker, accounts.CacheState, accounts.Mint)
	data, err = ix.Data()
	require.NoError(t, err)
	assert.Equal(t, updateLowestSupplyDisc[:], data)
	require.Len(t, ix.Accounts(), 3)
}

func TestSettlementInstructionBuilders(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	key := func() solana.PublicKey { return solana.NewWallet().PublicKey() }

	takeIx := NewTakeOfferInstruction(program, TakeOfferAccounts{
		Taker:          key(),
		Offer:          key(),
		TokenInMint:    key(),
		TokenOutMint:   key(),
		TakerTokenIn:   key(),
		TakerTokenOut:  key(),
		OfferVault:     key(),
		VaultAuthority: key(),
	}, 1_500_000)
	data, err := takeIx.Data()
	require.NoError(t, err)
	require.Len(t, data, 16)
	assert.Equal(t, takeOfferDisc[:], data[:8])
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(data[8:]))
	metas := takeIx.Accounts()
	require.Len(t, metas, 9)
	assert.True(t, metas[0].IsSigner)
	assert.True(t, metas[0].IsWritable)
	assert.Equal(t, solana.TokenProgramID, metas[8].PublicKey)

	createIx := NewCreateRedemptionRequestInstruction(program, CreateRedemptionRequestAccounts{
		Redeemer:          key(),
		RedemptionOffer:   key(),
		RedemptionRequest: key(),
		RedeemerTokenIn:   key(),
		OfferVault:        key(),
	}, 42)
	data, err = createIx.Data()
	require.NoError(t, err)
	assert.Equal(t, createRedemptionRequestDisc[:], data[:8])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[8:]))
	metas = createIx.Accounts()
	require.Len(t, metas, 7)
	assert.Equal(t, solana.SystemProgramID, metas[6].PublicKey)

	fulfillIx := NewFulfillRedemptionInstruction(program, FulfillRedemptionAccounts{
		Admin:             key(),
		RedemptionOffer:   key(),
		RedemptionRequest: key(),
		AdminTokenOut:     key(),
		RedeemerTokenOut:  key(),
	}, 7)
	data, err = fulfillIx.Data()
	require.NoError(t, err)
	assert.Equal(t, fulfillRedemptionDisc[:], data[:8])
	require.Len(t, fulfillIx.Accounts(), 6)

	cancelIx := NewCancelRedemptionRequestInstruction(program, CancelRedemptionRequestAccounts{
		Redeemer:          key(),
		RedemptionOffer:   key(),
		RedemptionRequest: key(),
		RedeemerTokenIn:   key(),
		OfferVault:        key(),
		VaultAuthority:    key(),
	})
	data, err = cancelIx.Data()
	require.NoError(t, err)
	assert.Equal(t, cancelRedemptionRequestDisc[:], data)
	metas = cancelIx.Accounts()
	require.Len(t, metas, 7)
	assert.False(t, metas[5].IsWritable)
}

func TestCloneU128Independence(t *testing.T) {
	value := bin.Uint128{Lo: 10}
	a := cloneU128(value)
	a.Add(a, big.NewInt(1))
	assert.Equal(t, int64(10), value.BigInt().Int64())
}
