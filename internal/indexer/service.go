package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	exchange "github.com/onyxlabs/exchange/backend/internal/anchor/exchange"
	"github.com/onyxlabs/exchange/backend/internal/config"
)

type Service struct {
	cfg          config.IndexerConfig
	rpc          *rpc.Client
	store        *Store
	logger       *slog.Logger
	mintDecimals map[solana.PublicKey]uint8
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	exchange.ProgramID = cfg.ExchangeProgramID

	return &Service{
		cfg:          cfg,
		rpc:          rpc.New(cfg.RPCURL),
		store:        store,
		logger:       logger,
		mintDecimals: make(map[solana.PublicKey]uint8),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program", s.cfg.ExchangeProgramID,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	slot, err := s.rpc.GetSlot(ctx, s.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	stats := map[string]int{}

	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.syncExchange(ctx, tx, slot, stats); err != nil {
			return err
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"offers", stats["offers"],
		"redemption_offers", stats["redemption_offers"],
		"redemption_requests", stats["redemption_requests"],
		"cache_states", stats["cache_states"],
	)

	return nil
}

func (s *Service) syncExchange(ctx context.Context, tx *Tx, slot uint64, stats map[string]int) error {
	programID := s.cfg.ExchangeProgramID

	if err := s.scanAndStore(ctx, slot, programID, "Offer", exchange.Account_Offer,
		func(item *rpc.KeyedAccount) error {
			payload, err := exchange.ParseAccount_Offer(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			inDecimals, err := s.resolveMintDecimals(ctx, payload.TokenInMint)
			if err != nil {
				return err
			}
			outDecimals, err := s.resolveMintDecimals(ctx, payload.TokenOutMint)
			if err != nil {
				return err
			}
			stats["offers"]++
			return s.store.UpsertOfferTx(ctx, tx, item.Pubkey, slot, payload, inDecimals, outDecimals)
		}); err != nil {
		return err
	}

	if err := s.scanAndStore(ctx, slot, programID, "RedemptionOffer", exchange.Account_RedemptionOffer,
		func(item *rpc.KeyedAccount) error {
			payload, err := exchange.ParseAccount_RedemptionOffer(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			stats["redemption_offers"]++
			return s.store.UpsertRedemptionOfferTx(ctx, tx, item.Pubkey, slot, payload)
		}); err != nil {
		return err
	}

	seenRequests := make([]string, 0, 64)
	if err := s.scanAndStore(ctx, slot, programID, "RedemptionRequest", exchange.Account_RedemptionRequest,
		func(item *rpc.KeyedAccount) error {
			payload, err := exchange.ParseAccount_RedemptionRequest(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			stats["redemption_requests"]++
			seenRequests = append(seenRequests, item.Pubkey.String())
			return s.store.UpsertRedemptionRequestTx(ctx, tx, item.Pubkey, slot, payload)
		}); err != nil {
		return err
	}

	// Request accounts are closed on-chain when cancelled; a row with no
	// backing account means the request went away between syncs.
	pruned, err := s.store.PruneRedemptionRequestsTx(ctx, tx, slot, seenRequests)
	if err != nil {
		return err
	}
	if pruned > 0 {
		stats["pruned_requests"] = pruned
	}

	if err := s.scanAndStore(ctx, slot, programID, "CacheState", exchange.Account_CacheState,
		func(item *rpc.KeyedAccount) error {
			payload, err := exchange.ParseAccount_CacheState(item.Account.Data.GetBinary())
			if err != nil {
				return err
			}
			stats["cache_states"]++
			return s.store.UpsertCacheStateTx(ctx, tx, item.Pubkey, slot, payload)
		}); err != nil {
		return err
	}

	return nil
}

func (s *Service) scanAndStore(
	ctx context.Context,
	slot uint64,
	programID solana.PublicKey,
	accountType string,
	discriminator [8]byte,
	handler func(item *rpc.KeyedAccount) error,
) error {
	var accounts rpc.GetProgramAccountsResult
	err := s.withRetry(ctx, "get program accounts", func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("scan %s accounts for program %s: %w", accountType, programID, err)
	}

	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if err := handler(item); err != nil {
			s.logger.Warn("failed to index account",
				"program", programID,
				"account_type", accountType,
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
		}
	}
	return nil
}

// resolveMintDecimals reads the SPL mint once and caches the answer. Decimals
// are immutable after mint initialization.
func (s *Service) resolveMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if decimals, ok := s.mintDecimals[mint]; ok {
		return decimals, nil
	}

	var account *rpc.GetAccountInfoResult
	err := s.withRetry(ctx, "get mint account", func() error {
		var err error
		account, err = s.rpc.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{
			Commitment: s.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch mint %s: %w", mint, err)
	}
	if account == nil || account.Value == nil {
		return 0, fmt.Errorf("mint %s not found", mint)
	}

	var parsed token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}

	s.mintDecimals[mint] = parsed.Decimals
	return parsed.Decimals, nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.cfg.RPCRetryBaseDelay
	var lastErr error

	for attempt := 0; attempt < s.cfg.RPCMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.RPCRetryMaxDelay {
				delay = s.cfg.RPCRetryMaxDelay
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		s.logger.Debug("rpc call failed, retrying", "op", op, "attempt", attempt+1, "err", lastErr)
	}

	return lastErr
}
