package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var ErrNotFound = errors.New("not found")

type VectorRecord struct {
	StartTime    int64  `json:"start_time"`
	BaseTime     int64  `json:"base_time"`
	BasePrice    string `json:"base_price"`
	GrowthRate   string `json:"growth_rate"`
	StepDuration int64  `json:"step_duration"`
}

type OfferFilter struct {
	TokenInMint  string
	TokenOutMint string
	Limit        int
	Offset       int
}

type OfferRecord struct {
	Pubkey              string         `json:"pubkey"`
	Boss                string         `json:"boss"`
	TokenInMint         string         `json:"token_in_mint"`
	TokenOutMint        string         `json:"token_out_mint"`
	TokenInDecimals     uint8          `json:"token_in_decimals"`
	TokenOutDecimals    uint8          `json:"token_out_decimals"`
	FeeBps              uint16         `json:"fee_bps"`
	NeedsApproval       bool           `json:"needs_approval"`
	AllowPermissionless bool           `json:"allow_permissionless"`
	Vectors             []VectorRecord `json:"vectors"`
	Slot                uint64         `json:"slot"`
	UpdatedAt           int64          `json:"updated_at"`
}

type RedemptionOfferRecord struct {
	Pubkey               string `json:"pubkey"`
	Offer                string `json:"offer"`
	Admin                string `json:"admin"`
	FeeBps               uint16 `json:"fee_bps"`
	RequestedRedemptions string `json:"requested_redemptions"`
	ExecutedRedemptions  string `json:"executed_redemptions"`
	RequestCounter       string `json:"request_counter"`
	Slot                 uint64 `json:"slot"`
	UpdatedAt            int64  `json:"updated_at"`
}

type RedemptionRequestFilter struct {
	Offer    string
	Redeemer string
	Status   string
	Limit    int
	Offset   int
}

type RedemptionRequestRecord struct {
	Pubkey          string `json:"pubkey"`
	Offer           string `json:"offer"`
	RequestID       uint64 `json:"request_id"`
	Redeemer        string `json:"redeemer"`
	Amount          string `json:"amount"`
	FulfilledAmount string `json:"fulfilled_amount"`
	Status          string `json:"status"`
	Slot            uint64 `json:"slot"`
	UpdatedAt       int64  `json:"updated_at"`
}

type CacheStateRecord struct {
	Pubkey               string `json:"pubkey"`
	Mint                 string `json:"mint"`
	Admin                string `json:"admin"`
	GrossYield           string `json:"gross_yield"`
	CurrentYield         string `json:"current_yield"`
	LowestSupply         string `json:"lowest_supply"`
	LastAccrualTimestamp int64  `json:"last_accrual_timestamp"`
	Slot                 uint64 `json:"slot"`
	UpdatedAt            int64  `json:"updated_at"`
}

type EventFilter struct {
	AfterID   int64
	EventType string
	Limit     int
}

type EventRecord struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	AccountPubkey string          `json:"account_pubkey"`
	Payload       json.RawMessage `json:"payload"`
	Slot          uint64          `json:"slot"`
	RecordedAt    int64           `json:"recorded_at"`
}

type SyncStateRecord struct {
	LastSlot  uint64 `json:"last_slot"`
	UpdatedAt int64  `json:"updated_at"`
}

func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]OfferRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.TokenInMint != "" {
		clauses = append(clauses, "token_in_mint = ?")
		args = append(args, filter.TokenInMint)
	}
	if filter.TokenOutMint != "" {
		clauses = append(clauses, "token_out_mint = ?")
		args = append(args, filter.TokenOutMint)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			boss,
			token_in_mint,
			token_out_mint,
			token_in_decimals,
			token_out_decimals,
			fee_bps,
			needs_approval,
			allow_permissionless,
			vectors_json,
			slot,
			updated_at
		FROM offers
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OfferRecord, 0, limit)
	for rows.Next() {
		item, err := scanOfferRecord(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetOffer(ctx context.Context, pubkey string) (OfferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			pubkey,
			boss,
			token_in_mint,
			token_out_mint,
			token_in_decimals,
			token_out_decimals,
			fee_bps,
			needs_approval,
			allow_permissionless,
			vectors_json,
			slot,
			updated_at
		FROM offers
		WHERE pubkey = ?
	`, pubkey)
	if err != nil {
		return OfferRecord{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return OfferRecord{}, err
		}
		return OfferRecord{}, ErrNotFound
	}
	return scanOfferRecord(rows)
}

func scanOfferRecord(rows *sql.Rows) (OfferRecord, error) {
	var item OfferRecord
	var inDecimals, outDecimals, feeBps, needsApproval, allowPermissionless int
	var vectorsJSON string
	var slot int64
	if err := rows.Scan(
		&item.Pubkey,
		&item.Boss,
		&item.TokenInMint,
		&item.TokenOutMint,
		&inDecimals,
		&outDecimals,
		&feeBps,
		&needsApproval,
		&allowPermissionless,
		&vectorsJSON,
		&slot,
		&item.UpdatedAt,
	); err != nil {
		return OfferRecord{}, err
	}
	item.TokenInDecimals = uint8(inDecimals)
	item.TokenOutDecimals = uint8(outDecimals)
	item.FeeBps = uint16(feeBps)
	item.NeedsApproval = needsApproval != 0
	item.AllowPermissionless = allowPermissionless != 0
	item.Slot = uint64(slot)
	if err := json.Unmarshal([]byte(vectorsJSON), &item.Vectors); err != nil {
		return OfferRecord{}, fmt.Errorf("decode vectors for offer %s: %w", item.Pubkey, err)
	}
	return item, nil
}

func (s *Store) ListRedemptionOffers(ctx context.Context, limit, offset int) ([]RedemptionOfferRecord, int, int, error) {
	limit, offset = normalizePagination(limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			pubkey,
			offer,
			admin,
			fee_bps,
			requested_redemptions,
			executed_redemptions,
			request_counter,
			slot,
			updated_at
		FROM redemption_offers
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]RedemptionOfferRecord, 0, limit)
	for rows.Next() {
		var item RedemptionOfferRecord
		var feeBps int
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Offer,
			&item.Admin,
			&feeBps,
			&item.RequestedRedemptions,
			&item.ExecutedRedemptions,
			&item.RequestCounter,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.FeeBps = uint16(feeBps)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListRedemptionRequests(ctx context.Context, filter RedemptionRequestFilter) ([]RedemptionRequestRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 5)

	if filter.Offer != "" {
		clauses = append(clauses, "offer = ?")
		args = append(args, filter.Offer)
	}
	if filter.Redeemer != "" {
		clauses = append(clauses, "redeemer = ?")
		args = append(args, filter.Redeemer)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			offer,
			request_id,
			redeemer,
			amount,
			fulfilled_amount,
			status,
			slot,
			updated_at
		FROM redemption_requests
		WHERE %s
		ORDER BY updated_at DESC, request_id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]RedemptionRequestRecord, 0, limit)
	for rows.Next() {
		var item RedemptionRequestRecord
		var requestID int64
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Offer,
			&requestID,
			&item.Redeemer,
			&item.Amount,
			&item.FulfilledAmount,
			&item.Status,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.RequestID = uint64(requestID)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetCacheState(ctx context.Context) (CacheStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			pubkey,
			mint,
			admin,
			gross_yield,
			current_yield,
			lowest_supply,
			last_accrual_timestamp,
			slot,
			updated_at
		FROM cache_state
		ORDER BY updated_at DESC
		LIMIT 1
	`)

	var item CacheStateRecord
	var slot int64
	err := row.Scan(
		&item.Pubkey,
		&item.Mint,
		&item.Admin,
		&item.GrossYield,
		&item.CurrentYield,
		&item.LowestSupply,
		&item.LastAccrualTimestamp,
		&slot,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheStateRecord{}, ErrNotFound
	}
	if err != nil {
		return CacheStateRecord{}, err
	}
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	clauses := []string{"id > ?"}
	args := []any{filter.AfterID}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}

	query := fmt.Sprintf(`
		SELECT id, event_type, account_pubkey, payload_json, slot, recorded_at
		FROM events
		WHERE %s
		ORDER BY id ASC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]EventRecord, 0, limit)
	for rows.Next() {
		var item EventRecord
		var payload string
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.EventType,
			&item.AccountPubkey,
			&payload,
			&slot,
			&item.RecordedAt,
		); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetSyncState(ctx context.Context) (SyncStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`)

	var item SyncStateRecord
	var lastSlot int64
	err := row.Scan(&lastSlot, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncStateRecord{}, ErrNotFound
	}
	if err != nil {
		return SyncStateRecord{}, err
	}
	item.LastSlot = uint64(lastSlot)
	return item, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
