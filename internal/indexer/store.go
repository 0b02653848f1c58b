package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	exchange "github.com/onyxlabs/exchange/backend/internal/anchor/exchange"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS offers (
			pubkey TEXT PRIMARY KEY,
			boss TEXT NOT NULL,
			token_in_mint TEXT NOT NULL,
			token_out_mint TEXT NOT NULL,
			token_in_decimals INTEGER NOT NULL,
			token_out_decimals INTEGER NOT NULL,
			fee_bps INTEGER NOT NULL,
			needs_approval INTEGER NOT NULL,
			allow_permissionless INTEGER NOT NULL,
			vectors_json TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_offers_mints ON offers(token_in_mint, token_out_mint);`,
		`CREATE TABLE IF NOT EXISTS redemption_offers (
			pubkey TEXT PRIMARY KEY,
			offer TEXT NOT NULL,
			admin TEXT NOT NULL,
			fee_bps INTEGER NOT NULL,
			requested_redemptions TEXT NOT NULL,
			executed_redemptions TEXT NOT NULL,
			request_counter TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_redemption_offers_offer ON redemption_offers(offer);`,
		`CREATE TABLE IF NOT EXISTS redemption_requests (
			pubkey TEXT PRIMARY KEY,
			offer TEXT NOT NULL,
			request_id BIGINT NOT NULL,
			redeemer TEXT NOT NULL,
			amount TEXT NOT NULL,
			fulfilled_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_redemption_requests_redeemer ON redemption_requests(redeemer, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_redemption_requests_offer_id ON redemption_requests(offer, request_id);`,
		`CREATE TABLE IF NOT EXISTS cache_state (
			pubkey TEXT PRIMARY KEY,
			mint TEXT NOT NULL,
			admin TEXT NOT NULL,
			gross_yield TEXT NOT NULL,
			current_yield TEXT NOT NULL,
			lowest_supply TEXT NOT NULL,
			last_accrual_timestamp BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			account_pubkey TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, recorded_at DESC);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func (s *Store) UpsertOfferTx(
	ctx context.Context,
	tx *Tx,
	pubkey solana.PublicKey,
	slot uint64,
	account *exchange.Offer,
	tokenInDecimals uint8,
	tokenOutDecimals uint8,
) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}

	vectors := make([]vectorRow, 0, len(account.Vectors))
	for _, v := range account.Vectors {
		if v.StartTime == 0 && v.BasePrice == 0 {
			continue
		}
		vectors = append(vectors, vectorRow{
			StartTime:    v.StartTime,
			BaseTime:     v.BaseTime,
			BasePrice:    strconv.FormatUint(v.BasePrice, 10),
			GrowthRate:   strconv.FormatUint(v.GrowthRate, 10),
			StepDuration: v.StepDuration,
		})
	}
	vectorsJSON, err := json.Marshal(vectors)
	if err != nil {
		return err
	}

	pubkeyText := pubkey.String()
	prevVectors, prevKnown, err := s.getOfferVectorsTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO offers (
			pubkey, boss, token_in_mint, token_out_mint, token_in_decimals,
			token_out_decimals, fee_bps, needs_approval, allow_permissionless,
			vectors_json, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			boss = excluded.boss,
			token_in_mint = excluded.token_in_mint,
			token_out_mint = excluded.token_out_mint,
			token_in_decimals = excluded.token_in_decimals,
			token_out_decimals = excluded.token_out_decimals,
			fee_bps = excluded.fee_bps,
			needs_approval = excluded.needs_approval,
			allow_permissionless = excluded.allow_permissionless,
			vectors_json = excluded.vectors_json,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		account.Boss.String(),
		account.TokenInMint.String(),
		account.TokenOutMint.String(),
		int(tokenInDecimals),
		int(tokenOutDecimals),
		int(account.FeeBps),
		boolToInt(account.NeedsApproval),
		boolToInt(account.AllowPermissionless),
		string(vectorsJSON),
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	if !prevKnown {
		return s.insertEventTx(ctx, tx, "offer_created", pubkeyText, string(raw), slot, now)
	}
	if prevVectors != string(vectorsJSON) {
		return s.insertEventTx(ctx, tx, "offer_vectors_updated", pubkeyText, string(vectorsJSON), slot, now)
	}
	return nil
}

func (s *Store) UpsertRedemptionOfferTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, account *exchange.RedemptionOffer) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO redemption_offers (
			pubkey, offer, admin, fee_bps, requested_redemptions,
			executed_redemptions, request_counter, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			offer = excluded.offer,
			admin = excluded.admin,
			fee_bps = excluded.fee_bps,
			requested_redemptions = excluded.requested_redemptions,
			executed_redemptions = excluded.executed_redemptions,
			request_counter = excluded.request_counter,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		account.Offer.String(),
		account.Admin.String(),
		int(account.FeeBps),
		account.RequestedRedemptions.BigInt().String(),
		account.ExecutedRedemptions.BigInt().String(),
		strconv.FormatUint(account.RequestCounter, 10),
		string(raw),
		int64(slot),
		now,
	)
	return err
}

func (s *Store) UpsertRedemptionRequestTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, account *exchange.RedemptionRequest) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}

	pubkeyText := pubkey.String()
	prevFulfilled, prevKnown, err := s.getRequestFulfilledTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	status := "open"
	if account.FulfilledAmount >= account.Amount {
		status = "closed"
	}
	fulfilledText := strconv.FormatUint(account.FulfilledAmount, 10)
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO redemption_requests (
			pubkey, offer, request_id, redeemer, amount, fulfilled_amount,
			status, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			offer = excluded.offer,
			request_id = excluded.request_id,
			redeemer = excluded.redeemer,
			amount = excluded.amount,
			fulfilled_amount = excluded.fulfilled_amount,
			status = excluded.status,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		account.Offer.String(),
		int64(account.RequestId),
		account.Redeemer.String(),
		strconv.FormatUint(account.Amount, 10),
		fulfilledText,
		status,
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	if !prevKnown {
		if err := s.insertEventTx(ctx, tx, "redemption_requested", pubkeyText, string(raw), slot, now); err != nil {
			return err
		}
		if status == "closed" {
			return s.insertEventTx(ctx, tx, "redemption_closed", pubkeyText, string(raw), slot, now)
		}
		return nil
	}

	if prevFulfilled == fulfilledText {
		return nil
	}
	if err := s.insertEventTx(ctx, tx, "redemption_fulfilled", pubkeyText, string(raw), slot, now); err != nil {
		return err
	}
	if status == "closed" {
		return s.insertEventTx(ctx, tx, "redemption_closed", pubkeyText, string(raw), slot, now)
	}
	return nil
}

func (s *Store) UpsertCacheStateTx(ctx context.Context, tx *Tx, pubkey solana.PublicKey, slot uint64, account *exchange.CacheState) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}

	pubkeyText := pubkey.String()
	prev, prevKnown, err := s.getCacheSnapshotTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_state (
			pubkey, mint, admin, gross_yield, current_yield, lowest_supply,
			last_accrual_timestamp, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			mint = excluded.mint,
			admin = excluded.admin,
			gross_yield = excluded.gross_yield,
			current_yield = excluded.current_yield,
			lowest_supply = excluded.lowest_supply,
			last_accrual_timestamp = excluded.last_accrual_timestamp,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		account.Mint.String(),
		account.Admin.String(),
		strconv.FormatUint(account.GrossYield, 10),
		strconv.FormatUint(account.CurrentYield, 10),
		strconv.FormatUint(account.LowestSupply, 10),
		account.LastAccrualTimestamp,
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	if !prevKnown {
		return nil
	}
	if prev.lastAccrual != account.LastAccrualTimestamp {
		if err := s.insertEventTx(ctx, tx, "yield_accrued", pubkeyText, string(raw), slot, now); err != nil {
			return err
		}
	}
	if prev.lowestSupply != strconv.FormatUint(account.LowestSupply, 10) {
		return s.insertEventTx(ctx, tx, "watermark_updated", pubkeyText, string(raw), slot, now)
	}
	return nil
}

// PruneRedemptionRequestsTx deletes rows whose backing account vanished from
// the chain. The program closes a request account on cancellation, so a
// missing account for an open row is a cancel; rows already marked closed are
// left in place as history.
func (s *Store) PruneRedemptionRequestsTx(ctx context.Context, tx *Tx, slot uint64, seen []string) (int, error) {
	query := `SELECT pubkey, raw_json FROM redemption_requests WHERE status = 'open'`
	args := make([]any, 0, len(seen))
	if len(seen) > 0 {
		query += ` AND pubkey NOT IN (` + strings.Repeat("?, ", len(seen)-1) + `?)`
		for _, pubkey := range seen {
			args = append(args, pubkey)
		}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	type missingRequest struct {
		pubkey string
		raw    string
	}
	missing := make([]missingRequest, 0)
	for rows.Next() {
		var item missingRequest
		if err := rows.Scan(&item.pubkey, &item.raw); err != nil {
			rows.Close()
			return 0, err
		}
		missing = append(missing, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := time.Now().Unix()
	for _, item := range missing {
		if _, err := tx.ExecContext(ctx, `DELETE FROM redemption_requests WHERE pubkey = ?`, item.pubkey); err != nil {
			return 0, err
		}
		if err := s.insertEventTx(ctx, tx, "redemption_cancelled", item.pubkey, item.raw, slot, now); err != nil {
			return 0, err
		}
	}
	return len(missing), nil
}

func (s *Store) insertEventTx(ctx context.Context, tx *Tx, eventType, accountPubkey, payload string, slot uint64, recordedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_type, account_pubkey, payload_json, slot, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventType, accountPubkey, payload, int64(slot), recordedAt)
	return err
}

type vectorRow struct {
	StartTime    int64  `json:"start_time"`
	BaseTime     int64  `json:"base_time"`
	BasePrice    string `json:"base_price"`
	GrowthRate   string `json:"growth_rate"`
	StepDuration int64  `json:"step_duration"`
}

type cacheSnapshot struct {
	lastAccrual  int64
	lowestSupply string
}

func (s *Store) getOfferVectorsTx(ctx context.Context, tx *Tx, pubkey string) (string, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT vectors_json FROM offers WHERE pubkey = ?`, pubkey)
	var vectors string
	err := row.Scan(&vectors)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return vectors, true, nil
}

func (s *Store) getRequestFulfilledTx(ctx context.Context, tx *Tx, pubkey string) (string, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT fulfilled_amount FROM redemption_requests WHERE pubkey = ?`, pubkey)
	var fulfilled string
	err := row.Scan(&fulfilled)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fulfilled, true, nil
}

func (s *Store) getCacheSnapshotTx(ctx context.Context, tx *Tx, pubkey string) (cacheSnapshot, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT last_accrual_timestamp, lowest_supply FROM cache_state WHERE pubkey = ?`, pubkey)
	var snapshot cacheSnapshot
	err := row.Scan(&snapshot.lastAccrual, &snapshot.lowestSupply)
	if errors.Is(err, sql.ErrNoRows) {
		return cacheSnapshot{}, false, nil
	}
	if err != nil {
		return cacheSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
