package dex

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivationsAreDeterministic(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	mintIn := solana.NewWallet().PublicKey()
	mintOut := solana.NewWallet().PublicKey()

	a, bumpA, err := DeriveOfferPDA(program, mintIn, mintOut)
	require.NoError(t, err)
	b, bumpB, err := DeriveOfferPDA(program, mintIn, mintOut)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, bumpA, bumpB)

	// Mint order is part of the seeds, so the reverse pair is a different offer.
	c, _, err := DeriveOfferPDA(program, mintOut, mintIn)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRequestDerivationVariesByID(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	redemptionOffer := solana.NewWallet().PublicKey()

	first, _, err := DeriveRedemptionRequestPDA(program, redemptionOffer, 1)
	require.NoError(t, err)
	second, _, err := DeriveRedemptionRequestPDA(program, redemptionOffer, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCacheDerivations(t *testing.T) {
	program := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	state := MustDeriveCacheStatePDA(program, mint)
	authority, _, err := DeriveVaultAuthorityPDA(program, state)
	require.NoError(t, err)
	vault, _, err := DeriveCacheVaultPDA(program, state, mint)
	require.NoError(t, err)

	assert.NotEqual(t, state, authority)
	assert.NotEqual(t, state, vault)
	assert.NotEqual(t, authority, vault)
}

func TestU64LEToBytes(t *testing.T) {
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, U64LEToBytes(1))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, U64LEToBytes(^uint64(0)))
}
