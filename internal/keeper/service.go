package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/onyxlabs/exchange/backend/internal/anchor/exchange"
	"github.com/onyxlabs/exchange/backend/internal/config"
	"github.com/onyxlabs/exchange/backend/internal/dex"
)

// Service is the accrual cranker. Both instructions it sends are
// permissionless on-chain, so the signer needs nothing beyond SOL for fees.
type Service struct {
	cfg    config.KeeperConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
	logger *slog.Logger
}

type cacheRuntime struct {
	cacheStateKey  solana.PublicKey
	cacheState     *exchange.CacheState
	vaultAuthority solana.PublicKey
	cacheVault     solana.PublicKey
	supply         uint64
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	exchange.ProgramID = cfg.ExchangeProgramID

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		signer: signer,
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"cranker", s.signer.PublicKey(),
		"exchange_program", s.cfg.ExchangeProgramID,
		"cache_mint", s.cfg.CacheMint,
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	runtime, err := s.loadCacheRuntime(ctx)
	if err != nil {
		return err
	}

	now := s.getClusterUnixTime(ctx)
	watermarkLowered := false
	accrued := false
	var expectedMint uint64

	if runtime.supply < runtime.cacheState.LowestSupply {
		if err := s.sendUpdateLowestSupply(ctx, runtime); err != nil {
			s.logger.Warn("update_lowest_supply failed",
				"cache_state", runtime.cacheStateKey,
				"supply", runtime.supply,
				"lowest_supply", runtime.cacheState.LowestSupply,
				"err", err,
			)
		} else {
			watermarkLowered = true
		}
	}

	if s.accrualDue(runtime.cacheState, now) {
		// Project the mint with the same arithmetic the program runs so the
		// log shows what the transaction should produce.
		engine := runtime.cacheState.Engine()
		projected, projErr := engine.Accrue(runtime.supply, now)
		if projErr != nil {
			s.logger.Warn("skipping accrual",
				"cache_state", runtime.cacheStateKey,
				"last_accrual", runtime.cacheState.LastAccrualTimestamp,
				"now", now,
				"reason", projErr,
			)
		} else {
			expectedMint = projected
			if err := s.sendAccrue(ctx, runtime, projected); err != nil {
				s.logger.Warn("accrue failed", "cache_state", runtime.cacheStateKey, "err", err)
			} else {
				accrued = true
			}
		}
	}

	s.logger.Info(
		"keeper tick complete",
		"supply",
		runtime.supply,
		"lowest_supply",
		runtime.cacheState.LowestSupply,
		"watermark_lowered",
		watermarkLowered,
		"accrued",
		accrued,
		"expected_mint",
		expectedMint,
	)
	return nil
}

// accrualDue gates accrue sends so the cranker does not pay fees for no-op
// transactions. The first accrual (zero timestamp) only seeds the state and is
// always worth sending.
func (s *Service) accrualDue(state *exchange.CacheState, now int64) bool {
	if state.LastAccrualTimestamp == 0 {
		return true
	}
	elapsed := now - state.LastAccrualTimestamp
	return elapsed >= int64(s.cfg.AccrualMinInterval/time.Second)
}

func (s *Service) sendUpdateLowestSupply(ctx context.Context, runtime *cacheRuntime) error {
	ix := exchange.NewUpdateLowestSupplyInstruction(
		s.cfg.ExchangeProgramID,
		s.signer.PublicKey(),
		runtime.cacheStateKey,
		s.cfg.CacheMint,
	)

	signature, err := s.sendWithBudget(ctx, ix)
	if err != nil {
		return err
	}

	s.logger.Info(
		"supply watermark refreshed",
		"cache_state",
		runtime.cacheStateKey,
		"supply",
		runtime.supply,
		"previous_lowest",
		runtime.cacheState.LowestSupply,
		"signature",
		signature,
	)
	return nil
}

func (s *Service) sendAccrue(ctx context.Context, runtime *cacheRuntime, expectedMint uint64) error {
	ix := exchange.NewAccrueInstruction(s.cfg.ExchangeProgramID, exchange.AccrueAccounts{
		Cranker:        s.signer.PublicKey(),
		CacheState:     runtime.cacheStateKey,
		Mint:           s.cfg.CacheMint,
		CacheVault:     runtime.cacheVault,
		VaultAuthority: runtime.vaultAuthority,
	})

	signature, err := s.sendWithBudget(ctx, ix)
	if err != nil {
		return err
	}

	s.logger.Info(
		"yield accrued",
		"cache_state",
		runtime.cacheStateKey,
		"cache_vault",
		runtime.cacheVault,
		"expected_mint",
		expectedMint,
		"signature",
		signature,
	)
	return nil
}

// sendWithBudget prepends the configured compute budget instructions, sends the
// transaction, and waits for confirmation within TxTimeout.
func (s *Service) sendWithBudget(ctx context.Context, ix solana.Instruction) (solana.Signature, error) {
	instructions := make([]solana.Instruction, 0, 3)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, buildErr := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if buildErr != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit limit instruction: %w", buildErr)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, buildErr := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if buildErr != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price instruction: %w", buildErr)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, ix)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, instructions)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return solana.Signature{}, fmt.Errorf("confirm %s: %w", signature, err)
	}
	return signature, nil
}

func (s *Service) loadCacheRuntime(ctx context.Context) (*cacheRuntime, error) {
	cacheStateKey, _, err := dex.DeriveCacheStatePDA(s.cfg.ExchangeProgramID, s.cfg.CacheMint)
	if err != nil {
		return nil, fmt.Errorf("derive cache state PDA: %w", err)
	}
	vaultAuthority, _, err := dex.DeriveVaultAuthorityPDA(s.cfg.ExchangeProgramID, cacheStateKey)
	if err != nil {
		return nil, fmt.Errorf("derive vault authority PDA: %w", err)
	}
	cacheVault, _, err := dex.DeriveCacheVaultPDA(s.cfg.ExchangeProgramID, cacheStateKey, s.cfg.CacheMint)
	if err != nil {
		return nil, fmt.Errorf("derive cache vault PDA: %w", err)
	}

	stateResp, err := s.rpc.GetAccountInfoWithOpts(ctx, cacheStateKey, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("fetch cache state %s: %w (hint: check EXCHANGE_PROGRAM_ID=%s and CACHE_MINT=%s, then initialize the cache)", cacheStateKey, err, s.cfg.ExchangeProgramID, s.cfg.CacheMint)
		}
		return nil, fmt.Errorf("fetch cache state %s: %w", cacheStateKey, err)
	}
	if stateResp == nil || stateResp.Value == nil {
		return nil, fmt.Errorf("cache state account %s not found (exchange_program=%s, hint: deploy+initialize contracts on current RPC)", cacheStateKey, s.cfg.ExchangeProgramID)
	}
	cacheState, err := exchange.ParseAccount_CacheState(stateResp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode cache state %s: %w", cacheStateKey, err)
	}
	if !cacheState.Mint.Equals(s.cfg.CacheMint) {
		return nil, fmt.Errorf("cache state %s tracks mint %s, configured mint is %s", cacheStateKey, cacheState.Mint, s.cfg.CacheMint)
	}

	supplyResp, err := s.rpc.GetTokenSupply(ctx, s.cfg.CacheMint, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("fetch token supply for %s: %w", s.cfg.CacheMint, err)
	}
	if supplyResp == nil || supplyResp.Value == nil {
		return nil, fmt.Errorf("token supply unavailable for %s", s.cfg.CacheMint)
	}
	supply, err := strconv.ParseUint(supplyResp.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse token supply %q: %w", supplyResp.Value.Amount, err)
	}

	return &cacheRuntime{
		cacheStateKey:  cacheStateKey,
		cacheState:     cacheState,
		vaultAuthority: vaultAuthority,
		cacheVault:     cacheVault,
		supply:         supply,
	}, nil
}

func (s *Service) getClusterUnixTime(ctx context.Context) int64 {
	slot, err := s.rpc.GetSlot(ctx, s.cfg.Commitment)
	if err != nil {
		s.logger.Warn("using local clock because getSlot failed", "err", err)
		return time.Now().Unix()
	}

	blockTime, err := s.rpc.GetBlockTime(ctx, slot)
	if err != nil || blockTime == nil {
		s.logger.Warn("using local clock because getBlockTime unavailable", "slot", slot, "err", err)
		return time.Now().Unix()
	}

	return int64(*blockTime)
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
