package dex

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

func DeriveOfferPDA(exchangeProgramID, tokenInMint, tokenOutMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("offer"), tokenInMint.Bytes(), tokenOutMint.Bytes()}, exchangeProgramID)
}

func DeriveOfferVaultAuthorityPDA(exchangeProgramID, offer solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("offer-authority"), offer.Bytes()}, exchangeProgramID)
}

func DeriveRedemptionOfferPDA(exchangeProgramID, offer solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("redemption-offer"), offer.Bytes()}, exchangeProgramID)
}

func DeriveRedemptionRequestPDA(exchangeProgramID, redemptionOffer solana.PublicKey, requestID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("redemption-request"), redemptionOffer.Bytes(), u64LE(requestID)}, exchangeProgramID)
}

func DeriveCacheStatePDA(exchangeProgramID, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("cache-state"), mint.Bytes()}, exchangeProgramID)
}

func DeriveVaultAuthorityPDA(exchangeProgramID, cacheState solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault-authority"), cacheState.Bytes()}, exchangeProgramID)
}

func DeriveCacheVaultPDA(exchangeProgramID, cacheState, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("cache-vault"), cacheState.Bytes(), mint.Bytes()}, exchangeProgramID)
}

func MustDeriveCacheStatePDA(exchangeProgramID, mint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveCacheStatePDA(exchangeProgramID, mint)
	if err != nil {
		panic(fmt.Errorf("derive cache state PDA: %w", err))
	}
	return pk
}

func U64LEToBytes(value uint64) []byte {
	return u64LE(value)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
